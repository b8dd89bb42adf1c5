package orchestrator

import (
	"context"
	"time"

	"github.com/steroids-dev/steroids/internal/agent"
	"github.com/steroids-dev/steroids/internal/events"
	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
)

// PauseResolution explains how a credit pause ended.
type PauseResolution string

const (
	pauseStopped       PauseResolution = "stopped"
	pauseConfigChanged PauseResolution = "config_changed"
	pauseImmediateFail PauseResolution = "immediate_fail"
)

// PauseResult is the outcome of a credit-exhaustion pause.
type PauseResult struct {
	Resolved   bool
	Resolution PauseResolution
}

const (
	creditPollInterval = 30 * time.Second
	creditSleepSlice   = 2 * time.Second
)

// creditPause blocks until the operator changes the exhausted provider or
// model in configuration, or stop is requested. The runner keeps
// heartbeating during the pause so wakeup does not reap it.
func (l *Loop) creditPause(ctx context.Context, task *store.Task, role agent.Role, ce *agent.CreditExhaustion) PauseResult {
	incident, err := l.reg.RecordCreditIncident(ce.Provider, ce.Model, string(role), ce.Message, l.opts.RunnerID)
	if err != nil {
		l.logger.Error("record credit incident failed", "error", err)
	}
	l.pub.Publish(events.NewEvent(events.EventCreditExhausted, task.ID, events.CreditData{
		Provider: ce.Provider, Model: ce.Model, Role: string(role), Message: ce.Message,
	}))
	if l.opts.Metrics != nil {
		l.opts.Metrics.CreditIncidents.WithLabelValues(ce.Provider, ce.Model).Inc()
	}
	l.logger.Warn("credit exhausted, pausing",
		"provider", ce.Provider, "model", ce.Model, "role", role)

	if l.opts.Once {
		return PauseResult{Resolved: false, Resolution: pauseImmediateFail}
	}

	for {
		// Sleep one poll interval in short slices so stop requests are
		// noticed promptly.
		for slept := time.Duration(0); slept < creditPollInterval; slept += creditSleepSlice {
			if l.stopRequested(ctx) {
				l.resolveIncident(incident, registry.ResolutionDismissed)
				return PauseResult{Resolved: false, Resolution: pauseStopped}
			}
			l.opts.Sleep(creditSleepSlice)
		}

		if l.opts.RunnerID != "" {
			if err := l.reg.UpdateHeartbeat(l.opts.RunnerID, task.ID); err != nil {
				l.logger.Warn("heartbeat during credit pause failed", "error", err)
			}
		}

		cfg, err := l.opts.ReloadConfig()
		if err != nil {
			l.logger.Warn("config reload failed during credit pause", "error", err)
			continue
		}

		rc := cfg.AI.Coder
		if role == agent.RoleReviewer {
			rc = cfg.AI.Reviewer
		}
		if rc.Provider != ce.Provider || rc.Model != ce.Model {
			l.cfg = cfg
			l.resolveIncident(incident, registry.ResolutionConfigChanged)
			l.pub.Publish(events.NewEvent(events.EventCreditResolved, task.ID, events.CreditData{
				Provider: rc.Provider, Model: rc.Model, Role: string(role),
			}))
			l.logger.Info("credit incident resolved by config change",
				"provider", rc.Provider, "model", rc.Model)
			return PauseResult{Resolved: true, Resolution: pauseConfigChanged}
		}
	}
}

func (l *Loop) resolveIncident(incident *registry.CreditIncident, resolution registry.IncidentResolution) {
	if incident == nil {
		return
	}
	if err := l.reg.ResolveCreditIncident(incident.ID, resolution); err != nil {
		l.logger.Warn("resolve credit incident failed", "incident", incident.ID, "error", err)
	}
}
