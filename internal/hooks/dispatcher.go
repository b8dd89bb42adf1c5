package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/steroids-dev/steroids/internal/events"
)

// NoHooksEnv disables all hook dispatch when set to a non-empty value.
const NoHooksEnv = "STEROIDS_NO_HOOKS"

const defaultHookTimeout = 10 * time.Second

// Dispatcher fans events out to matching hooks. Dispatch is fire-and-forget:
// hook failures are logged, never propagated to the orchestrator.
type Dispatcher struct {
	service *Service
	logger  *slog.Logger
	client  *http.Client
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over a project's hooks.
func NewDispatcher(service *Service, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		service: service,
		logger:  logger,
		client:  &http.Client{Timeout: defaultHookTimeout},
	}
}

// Dispatch sends the event to every enabled hook whose pattern matches the
// event name. Returns immediately; hooks run in background goroutines.
func (d *Dispatcher) Dispatch(event events.Event) {
	if os.Getenv(NoHooksEnv) != "" {
		return
	}

	hooks, err := d.service.List()
	if err != nil {
		d.logger.Warn("list hooks failed", "error", err)
		return
	}

	var payload []byte
	for _, hook := range hooks {
		if hook.Disabled || !Matches(hook.Pattern, string(event.Type)) {
			continue
		}
		if payload == nil {
			payload, err = json.Marshal(event)
			if err != nil {
				d.logger.Warn("marshal hook payload failed", "error", err)
				return
			}
		}

		h := hook
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(h, payload)
		}()
	}
}

// Wait blocks until all in-flight hook executions finish. Used on shutdown
// and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(hook *Hook, payload []byte) {
	timeout := defaultHookTimeout
	if hook.Timeout > 0 {
		timeout = time.Duration(hook.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if hook.Command != "" {
		cmd := exec.CommandContext(ctx, hook.Command)
		cmd.Dir = d.service.projectPath
		cmd.Stdin = bytes.NewReader(payload)
		cmd.WaitDelay = time.Second
		if err := cmd.Run(); err != nil {
			d.logger.Warn("hook script failed", "hook", hook.Name, "error", err)
		}
	}

	if hook.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(payload))
		if err != nil {
			d.logger.Warn("hook webhook request failed", "hook", hook.Name, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := d.client.Do(req)
		if err != nil {
			d.logger.Warn("hook webhook failed", "hook", hook.Name, "error", err)
			return
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			d.logger.Warn("hook webhook rejected", "hook", hook.Name, "status", resp.StatusCode)
		}
	}
}

// Matches reports whether an event name matches a hook pattern. Patterns use
// glob syntax with "." as the separator, so "task.*" matches task.completed
// and "**" matches everything.
func Matches(pattern, eventName string) bool {
	ok, err := doublestar.Match(pattern, eventName)
	return err == nil && ok
}
