package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
)

// Flags that relax certificate and cross-origin checks. They are only ever
// applied in development.
var devOnlyFlags = map[string]bool{
	"ignore-certificate-errors":           true,
	"disable-web-security":                true,
	"allow-running-insecure-content":      true,
	"ignore-certificate-errors-spki-list": true,
	"disable-site-isolation-trials":       true,
}

// LaunchOptions describes the browser process to start.
type LaunchOptions struct {
	Development    bool
	ExecPath       string
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	MaxHeapMB      int
	Args           []string
}

// LaunchFlags returns the command line switches for the environment. Extra
// args are parsed as name or name=value; any that would relax security are
// dropped outside development and returned in rejected.
func LaunchFlags(o LaunchOptions) (flags map[string]interface{}, rejected []string) {
	flags = map[string]interface{}{
		"no-first-run":                  true,
		"no-default-browser-check":      true,
		"disable-background-networking": true,
		"disable-popup-blocking":        true,
		"disable-extensions":            true,
	}
	if o.ViewportWidth > 0 && o.ViewportHeight > 0 {
		flags["window-size"] = fmt.Sprintf("%d,%d", o.ViewportWidth, o.ViewportHeight)
	}

	if o.Development {
		flags["headless"] = false
		flags["hide-scrollbars"] = false
		flags["mute-audio"] = false
		flags["ignore-certificate-errors"] = true
		flags["disable-web-security"] = true
		flags["allow-running-insecure-content"] = true
	} else {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
		flags["no-sandbox"] = true
		flags["disable-gpu"] = true
		flags["disable-dev-shm-usage"] = true
		flags["renderer-process-limit"] = "2"
		flags["disable-features"] = "Translate,BackForwardCache,MediaRouter"
		if o.MaxHeapMB > 0 {
			flags["js-flags"] = fmt.Sprintf("--max-old-space-size=%d", o.MaxHeapMB)
		}
	}

	for _, arg := range o.Args {
		key, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if key == "" {
			continue
		}
		if devOnlyFlags[key] && !o.Development {
			rejected = append(rejected, key)
			continue
		}
		if hasValue {
			flags[key] = value
		} else {
			flags[key] = true
		}
	}
	return flags, rejected
}

// AllocatorOptions converts the launch options into chromedp exec allocator options.
func AllocatorOptions(o LaunchOptions) ([]chromedp.ExecAllocatorOption, []string) {
	flags, rejected := LaunchFlags(o)

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range flags {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	if o.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(o.UserAgent))
	}
	return opts, rejected
}
