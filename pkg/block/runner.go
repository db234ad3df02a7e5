package block

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/openanolis/cryptpilot/pkg/log"
)

// Runner executes external block tooling (lvm, veritysetup, losetup, mkfs,
// blkid, udevadm). Commands run with LC_ALL=C so output parsing is stable
// across locales.
type Runner interface {
	// Run executes program with args and returns its trimmed stdout.
	Run(ctx context.Context, program string, args ...string) (string, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

// Run executes the command, captures stdout, and wraps failures with the
// command line and stderr.
func (r *ExecRunner) Run(ctx context.Context, program string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.WithComponent("block").Debug().
		Str("command", program+" "+strings.Join(args, " ")).
		Msg("exec")

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("%s %s failed: %w (%s)", program, strings.Join(args, " "), err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// FakeCall records one command observed by FakeRunner.
type FakeCall struct {
	Program string
	Args    []string
}

// Line renders the call as a single command line.
func (c FakeCall) Line() string {
	return strings.Join(append([]string{c.Program}, c.Args...), " ")
}

// FakeRunner is a test double. Responses map a command-line prefix to canned
// output or an error; unmatched commands succeed with empty output.
type FakeRunner struct {
	mu    sync.Mutex
	calls []FakeCall

	Outputs map[string]string
	Errors  map[string]error
}

// Run records the call and replies from the canned tables.
func (r *FakeRunner) Run(ctx context.Context, program string, args ...string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	call := FakeCall{Program: program, Args: args}
	r.calls = append(r.calls, call)
	line := call.Line()

	for prefix, err := range r.Errors {
		if strings.HasPrefix(line, prefix) {
			return "", err
		}
	}
	for prefix, out := range r.Outputs {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return "", nil
}

// Calls returns the recorded command lines in order.
func (r *FakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.calls))
	for i, c := range r.calls {
		lines[i] = c.Line()
	}
	return lines
}

// CalledWith reports whether any recorded command line starts with prefix.
func (r *FakeRunner) CalledWith(prefix string) bool {
	for _, line := range r.Calls() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
