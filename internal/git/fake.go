package git

import (
	"errors"
	"strings"
	"sync"
)

// FakeRunner is a scriptable CommandRunner for tests. Responses are keyed by
// a space-joined prefix of the command line; unmatched commands return empty
// output.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string]string
	failures  map[string]string
	Commands  []string
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		responses: make(map[string]string),
		failures:  make(map[string]string),
	}
}

// Respond sets the stdout returned for commands starting with prefix.
func (r *FakeRunner) Respond(prefix, stdout string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[prefix] = stdout
}

// Fail makes commands starting with prefix fail with the given message.
func (r *FakeRunner) Fail(prefix, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[prefix] = message
}

// Ran reports whether any recorded command starts with prefix.
func (r *FakeRunner) Ran(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.Commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// Run records the command and returns the scripted response.
func (r *FakeRunner) Run(workDir, name string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := name + " " + strings.Join(args, " ")
	r.Commands = append(r.Commands, line)

	for prefix, msg := range r.failures {
		if strings.HasPrefix(line, prefix) {
			return msg, errors.New(msg)
		}
	}
	for prefix, out := range r.responses {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return "", nil
}
