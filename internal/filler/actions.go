package filler

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

var submitTokens = []string{"submit", "send", "save"}

var contextDestroyedMarkers = []string{
	"Execution context was destroyed",
	"Cannot find context with specified id",
	"Inspected target navigated or closed",
}

// IsContextDestroyed reports whether err means the page navigated away while a
// script was running. After a click this indicates the click worked.
func IsContextDestroyed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range contextDestroyedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func controlText(c Control) string {
	return strings.ToLower(c.Label + " " + c.ID)
}

// Cancel clicks the first visible control labelled cancel, falling back to Escape.
func (f *Filler) Cancel(ctx context.Context, d Driver, correlationID string) error {
	log := f.logger.With(zap.String("correlation_id", correlationID))

	controls, err := d.Controls(ctx)
	if err != nil {
		if IsContextDestroyed(err) {
			return nil
		}
		log.Debug("Listing controls failed, falling back to Escape.", zap.Error(err))
	}

	for _, c := range controls {
		if !strings.Contains(controlText(c), "cancel") {
			continue
		}
		err := d.ClickControl(ctx, c)
		if err == nil || IsContextDestroyed(err) {
			log.Info("Cancel control clicked.", zap.String("label", c.Label))
			return nil
		}
		log.Debug("Cancel click failed, falling back to Escape.", zap.Error(err))
		break
	}

	if err := d.PressKey(ctx, "Escape"); err != nil && !IsContextDestroyed(err) {
		return err
	}
	log.Info("No cancel control found, sent Escape.")
	return nil
}

// findSubmit picks the first control matching the highest-priority submit token
// that is not also a cancel control.
func findSubmit(controls []Control) (Control, bool) {
	for _, token := range submitTokens {
		for _, c := range controls {
			text := controlText(c)
			if strings.Contains(text, "cancel") {
				continue
			}
			if strings.Contains(text, token) {
				return c, true
			}
		}
	}
	return Control{}, false
}

// Submit clicks the submit control and then waits for either a navigation or the
// fallback delay, whichever comes first. It reports false when no submit control
// exists.
func (f *Filler) Submit(ctx context.Context, d Driver, correlationID string) (bool, error) {
	log := f.logger.With(zap.String("correlation_id", correlationID))

	controls, err := d.Controls(ctx)
	if err != nil {
		if IsContextDestroyed(err) {
			return true, nil
		}
		return false, err
	}

	c, ok := findSubmit(controls)
	if !ok {
		log.Warn("No submit control found.", zap.Int("controls", len(controls)))
		return false, nil
	}

	// The listener must be in place before the click or a fast load is lost.
	navCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	navigated := d.ArmNavigation(navCtx)

	if err := d.ClickControl(ctx, c); err != nil {
		if IsContextDestroyed(err) {
			log.Info("Submit clicked, page navigated during click.", zap.String("label", c.Label))
			return true, nil
		}
		return false, err
	}

	navTimeout := time.NewTimer(f.opts.SubmitNavTimeout)
	defer navTimeout.Stop()
	fallback := time.NewTimer(f.opts.SubmitFallbackDelay)
	defer fallback.Stop()

	select {
	case <-navigated:
		log.Info("Submit clicked, navigation observed.", zap.String("label", c.Label))
	case <-navTimeout.C:
		log.Debug("Post-submit navigation wait timed out.", zap.Duration("timeout", f.opts.SubmitNavTimeout))
	case <-fallback.C:
		log.Info("Submit clicked, no navigation before fallback delay.", zap.String("label", c.Label))
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return true, nil
}
