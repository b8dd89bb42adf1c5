package wakeup

import (
	"fmt"
	"strconv"
	"time"

	"github.com/steroids-dev/steroids/internal/config"
	"github.com/steroids-dev/steroids/internal/store"
)

// Project store meta keys for the recovery rate limiter.
const (
	metaRecoveryWindow = "recovery_window_start"
	metaRecoveryCount  = "recovery_count"
)

// recoverStuckTasks applies the recovery heuristics to one project, bounded
// by the per-hour incident budget. Returns how many tasks were recovered.
func (c *Controller) recoverStuckTasks(projectPath string, s *store.Store, cfg *config.Config) (int, error) {
	now := c.clock.Now()

	budget, used, windowStart, err := c.recoveryBudget(s, cfg, now)
	if err != nil {
		return 0, err
	}
	if budget <= 0 {
		return 0, nil
	}

	tasks, err := s.ListTasks(store.TaskFilter{Statuses: []store.Status{
		store.StatusPending, store.StatusInProgress, store.StatusReview,
	}})
	if err != nil {
		return 0, err
	}

	runner, err := c.reg.ActiveRunnerForProject(projectPath, c.opts.StaleAfter)
	if err != nil {
		return 0, err
	}
	runnerActive := runner != nil

	recovered := 0
	apply := func(task *store.Task, to store.Status, notes string) {
		if budget <= 0 {
			return
		}
		if !c.opts.DryRun {
			if err := s.RecoverTask(task.ID, task.Status, to, notes); err != nil {
				c.logger.Warn("recover task failed", "task", task.ID, "error", err)
				return
			}
		}
		c.logger.Info("recovered stuck task",
			"project", projectPath, "task", task.ID, "from", task.Status, "to", to, "reason", notes)
		budget--
		used++
		recovered++
	}

	for _, task := range tasks {
		age := now.Sub(task.UpdatedAt)
		switch {
		case task.RejectionCount >= store.MaxRejections:
			apply(task, store.StatusFailed, "recovery:rejection_ceiling")
		case task.Status == store.StatusInProgress && !runnerActive && age > cfg.Recovery.StuckInProgressAge:
			apply(task, store.StatusPending, "recovery:stuck_in_progress")
		case task.Status == store.StatusReview && age > cfg.Recovery.StuckReviewAge:
			apply(task, store.StatusInProgress, "recovery:stuck_review")
		}
	}

	if recovered > 0 && !c.opts.DryRun {
		if err := c.saveRecoveryWindow(s, windowStart, used); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

// recoveryBudget reads the limiter window from project meta. A window older
// than an hour resets.
func (c *Controller) recoveryBudget(s *store.Store, cfg *config.Config, now time.Time) (budget, used int, windowStart time.Time, err error) {
	max := cfg.Recovery.MaxIncidentsPerHour
	if max <= 0 {
		max = 6
	}

	windowStart = now
	raw, err := s.GetMeta(metaRecoveryWindow)
	if err != nil {
		return 0, 0, windowStart, err
	}
	if raw != "" {
		start, perr := time.Parse(store.TimeLayout, raw)
		if perr == nil && now.Sub(start) < time.Hour {
			windowStart = start
			rawCount, err := s.GetMeta(metaRecoveryCount)
			if err != nil {
				return 0, 0, windowStart, err
			}
			used, _ = strconv.Atoi(rawCount)
		}
	}
	return max - used, used, windowStart, nil
}

func (c *Controller) saveRecoveryWindow(s *store.Store, windowStart time.Time, used int) error {
	if err := s.SetMeta(metaRecoveryWindow, windowStart.UTC().Format(store.TimeLayout)); err != nil {
		return fmt.Errorf("save recovery window: %w", err)
	}
	if err := s.SetMeta(metaRecoveryCount, strconv.Itoa(used)); err != nil {
		return fmt.Errorf("save recovery count: %w", err)
	}
	return nil
}
