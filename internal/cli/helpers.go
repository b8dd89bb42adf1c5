package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"github.com/steroids-dev/steroids/internal/registry"
	"github.com/steroids-dev/steroids/internal/store"
	"github.com/steroids-dev/steroids/internal/util"
)

// cliActor is the audit actor recorded for human-driven transitions.
const cliActor = "cli"

// resolveProject returns the normalized project path from --project or the
// working directory.
func resolveProject() (string, error) {
	path := projectFlag
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		path = wd
	}
	return util.NormalizeProjectPath(path)
}

// openRegistry opens the global registry. STEROIDS_REGISTRY_DSN switches it
// to an explicit DSN, which is how PostgreSQL deployments are selected.
func openRegistry() (*registry.Registry, error) {
	if dsn := viper.GetString("REGISTRY_DSN"); dsn != "" {
		return registry.OpenDSN(dsn)
	}
	return registry.Open()
}

// openProjectStore opens the store of a registered project. The store file
// must already exist; only `projects register` creates one.
func openProjectStore(projectPath string) (*store.Store, error) {
	if !util.HasProjectStore(projectPath) {
		return nil, configErrf("project %s has no task store (run: steroids projects register %s)", projectPath, projectPath)
	}
	return store.Open(projectPath)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	return t
}

func statusCell(s store.Status) string {
	switch s {
	case store.StatusCompleted:
		return color.GreenString(string(s))
	case store.StatusFailed, store.StatusDisputed:
		return color.RedString(string(s))
	case store.StatusInProgress, store.StatusReview:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// age renders a timestamp as a relative duration, or "-" when unset.
func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// findTask resolves a task by full id or unique short prefix.
func findTask(s *store.Store, ref string) (*store.Task, error) {
	if t, err := s.GetTask(ref); err == nil {
		return t, nil
	}
	tasks, err := s.ListTasks(store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	var match *store.Task
	for _, t := range tasks {
		if len(ref) > 0 && len(t.ID) >= len(ref) && t.ID[:len(ref)] == ref {
			if match != nil {
				return nil, fmt.Errorf("task id %q is ambiguous", ref)
			}
			match = t
		}
	}
	if match == nil {
		return nil, fmt.Errorf("task %s: %w", ref, store.ErrNotFound)
	}
	return match, nil
}
