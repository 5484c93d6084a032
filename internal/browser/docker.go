package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

const cdpPort = "3000/tcp"

// Container is a running browser container
type Container struct {
	ID         string
	SessionID  string
	ConnectURL string
	Port       string
}

// Pool starts and stops browserless containers through the Docker API.
type Pool struct {
	client *client.Client
	image  string
	logger *zap.Logger
}

func NewPool(imageName string, logger *zap.Logger) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Pool{
		client: cli,
		image:  imageName,
		logger: logger.Named("pool"),
	}, nil
}

// Launch starts one container for one session and waits until its CDP endpoint answers.
func (p *Pool) Launch(ctx context.Context, sessionID, correlationID string) (*Container, error) {
	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"session-id":     sessionID,
			"correlation-id": correlationID,
			"managed-by":     "quotefill",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			cdpPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			cdpPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
		ShmSize:    512 * 1024 * 1024,
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "quotefill-"+sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[cdpPort]
	if len(bindings) == 0 {
		p.remove(resp.ID)
		return nil, fmt.Errorf("container %s exposes no CDP port", resp.ID)
	}
	port := bindings[0].HostPort

	if err := p.waitForBrowserReady(ctx, port); err != nil {
		p.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	p.logger.Info("Browser container started.",
		zap.String("container_id", resp.ID),
		zap.String("session_id", sessionID),
		zap.String("port", port),
	)

	return &Container{
		ID:         resp.ID,
		SessionID:  sessionID,
		ConnectURL: fmt.Sprintf("ws://127.0.0.1:%s", port),
		Port:       port,
	}, nil
}

// Stop stops and removes a container
func (p *Pool) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (p *Pool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("Failed to remove browser container.", zap.String("container_id", containerID), zap.Error(err))
	}
}

// IsHealthy reports whether the container is running and, when the image
// defines a healthcheck, not reported unhealthy.
func (p *Pool) IsHealthy(ctx context.Context, containerID string) bool {
	inspect, err := p.client.ContainerInspect(ctx, containerID)
	if err != nil {
		p.logger.Debug("Browser container inspect failed.", zap.String("container_id", containerID), zap.Error(err))
		return false
	}
	state := inspect.State
	if state == nil || !state.Running || state.Paused || state.Restarting {
		return false
	}
	return state.Health == nil || state.Health.Status != "unhealthy"
}

// EnsureImage pulls the browser image if it is not present locally.
func (p *Pool) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == p.image {
				return nil
			}
		}
	}

	p.logger.Info("Pulling browser image.", zap.String("image", p.image))
	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Pool) Close() error {
	return p.client.Close()
}

// waitForBrowserReady polls the /json/version endpoint until it answers 200.
func (p *Pool) waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/json/version", port)
	maxRetries := 20

	for i := 0; i < maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("browser did not become ready after %d retries", maxRetries)
}

// DockerLauncher runs each session in its own browser container and drives it
// through chromedp's remote allocator. The container image owns Chrome's
// command line, so LaunchOptions do not apply here; only PageOptions do.
type DockerLauncher struct {
	pool          *Pool
	page          PageOptions
	launchTimeout time.Duration
	logger        *zap.Logger
}

func (l *DockerLauncher) Launch(ctx context.Context, id, correlationID string) (Session, error) {
	log := l.logger.With(zap.String("session_id", id), zap.String("correlation_id", correlationID))

	launchCtx, cancel := context.WithTimeout(ctx, l.launchTimeout)
	defer cancel()

	if err := l.pool.EnsureImage(launchCtx); err != nil {
		return nil, fmt.Errorf("failed to prepare browser image: %w", err)
	}
	c, err := l.pool.Launch(launchCtx, id, correlationID)
	if err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), c.ConnectURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(log.Sugar().Debugf))

	if err := runBounded(ctx, browserCtx, browserCancel, l.launchTimeout); err != nil {
		browserCancel()
		allocCancel()
		l.pool.remove(c.ID)
		return nil, fmt.Errorf("failed to connect to browser container: %w", err)
	}

	release := func(ctx context.Context) error {
		return l.pool.Stop(ctx, c.ID)
	}
	sess := newChromeSession(id, correlationID, "docker", browserCtx, browserCancel, allocCancel, l.page, c.ConnectURL, release, log)
	sess.alive = func(ctx context.Context) bool {
		return l.pool.IsHealthy(ctx, c.ID)
	}
	return sess, nil
}

func (l *DockerLauncher) Close() error {
	return l.pool.Close()
}
