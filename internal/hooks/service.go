// Package hooks provides event hook management and dispatch. Hooks are JSON
// files under <project>/.steroids/hooks; each names an event pattern and
// either a script to run or a webhook URL to POST the event to.
package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/steroids-dev/steroids/internal/util"
)

// Hook represents one hook configuration.
type Hook struct {
	Name string `json:"name"`
	// Pattern is a glob matched against event names, e.g. "task.*" or
	// "credit.exhausted".
	Pattern string `json:"pattern"`
	// Command is a script to execute with the event JSON on stdin.
	Command string `json:"command,omitempty"`
	// URL is a webhook endpoint to POST the event JSON to.
	URL string `json:"url,omitempty"`
	// Timeout in seconds for script execution and webhook requests.
	Timeout  int  `json:"timeout,omitempty"`
	Disabled bool `json:"disabled,omitempty"`
}

// Service manages hook files for a project.
type Service struct {
	projectPath string
}

// NewService creates a hooks service for a project.
func NewService(projectPath string) *Service {
	return &Service{projectPath: projectPath}
}

func (s *Service) hooksDir() string {
	return filepath.Join(s.projectPath, util.SteroidsDir, "hooks")
}

func (s *Service) hookPath(name string) string {
	return filepath.Join(s.hooksDir(), name+".json")
}

// List returns all hooks sorted by name. Invalid hook files are skipped.
func (s *Service) List() ([]*Hook, error) {
	entries, err := os.ReadDir(s.hooksDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hooks directory: %w", err)
	}

	var hooks []*Hook
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		hook, err := s.Get(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		hooks = append(hooks, hook)
	}

	sort.Slice(hooks, func(i, j int) bool { return hooks[i].Name < hooks[j].Name })
	return hooks, nil
}

// Get returns a hook by name.
func (s *Service) Get(name string) (*Hook, error) {
	data, err := os.ReadFile(s.hookPath(name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("hook not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("read hook: %w", err)
	}

	var hook Hook
	if err := json.Unmarshal(data, &hook); err != nil {
		return nil, fmt.Errorf("parse hook %s: %w", name, err)
	}
	hook.Name = name
	return &hook, nil
}

// Create writes a new hook. The name must be unused.
func (s *Service) Create(hook Hook) error {
	if hook.Name == "" {
		return fmt.Errorf("hook name is required")
	}
	if hook.Pattern == "" {
		return fmt.Errorf("hook pattern is required")
	}
	if hook.Command == "" && hook.URL == "" {
		return fmt.Errorf("hook requires a command or url")
	}
	if _, err := os.Stat(s.hookPath(hook.Name)); err == nil {
		return fmt.Errorf("hook already exists: %s", hook.Name)
	}
	return s.save(hook)
}

// Delete removes a hook.
func (s *Service) Delete(name string) error {
	err := os.Remove(s.hookPath(name))
	if os.IsNotExist(err) {
		return fmt.Errorf("hook not found: %s", name)
	}
	if err != nil {
		return fmt.Errorf("delete hook: %w", err)
	}
	return nil
}

func (s *Service) save(hook Hook) error {
	if err := os.MkdirAll(s.hooksDir(), 0o755); err != nil {
		return fmt.Errorf("create hooks directory: %w", err)
	}
	data, err := json.MarshalIndent(hook, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal hook: %w", err)
	}
	return util.AtomicWriteFile(s.hookPath(hook.Name), data, 0o644)
}
