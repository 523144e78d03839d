package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jfenner/foreman/internal/delivery"
)

// DefaultAllowlist is the strict set of binaries the exec handler will
// run when none is configured. A nil subcommand list allows any
// arguments; a non-empty list restricts the first argument.
var DefaultAllowlist = map[string][]string{
	"python3": nil,
	"node":    nil,
	"sh":      {"-c"},
	"go":      {"test", "build", "vet"},
	"git":     {"clone", "diff", "status"},
}

// execRequest is the payload shape the exec handler understands.
type execRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// ExecResult holds the outcome of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// ExecHandler runs allowlisted commands, each task in its own scratch
// directory under the handler's root.
type ExecHandler struct {
	root    string
	allowed map[string][]string
}

// NewExecHandler creates an exec handler rooted at dir. A nil allowlist
// uses DefaultAllowlist.
func NewExecHandler(root string, allowed map[string][]string) *ExecHandler {
	if allowed == nil {
		allowed = DefaultAllowlist
	}
	return &ExecHandler{root: root, allowed: allowed}
}

// Name returns the handler identifier.
func (h *ExecHandler) Name() string {
	return "exec"
}

// IsAllowed checks the command against the allowlist.
func (h *ExecHandler) IsAllowed(cmd string, args []string) bool {
	subcmds, ok := h.allowed[cmd]
	if !ok {
		return false
	}
	if subcmds == nil {
		return true
	}
	if len(args) == 0 {
		return false
	}
	for _, allowed := range subcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Handle executes the envelope's command payload. A non-zero exit code
// is a failed attempt; the ExecResult is the task result either way.
func (h *ExecHandler) Handle(ctx context.Context, env delivery.Envelope) (json.RawMessage, error) {
	var req execRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode exec payload: %w", err)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("exec payload has no command")
	}
	if !h.IsAllowed(req.Command, req.Args) {
		return nil, fmt.Errorf("command not allowed: %s %s", req.Command, strings.Join(req.Args, " "))
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	if h.root != "" {
		// Mirrors the localdir provisioner's layout.
		dir := h.root
		if env.SandboxRef != "" {
			dir = filepath.Join(h.root, env.TaskID, env.SandboxRef)
		}
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		exitError, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("exec %s: %w", req.Command, runErr)
		}
		exitCode = exitError.ExitCode()
	}

	result, err := json.Marshal(ExecResult{
		Command:  req.Command,
		Args:     req.Args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode exec result: %w", err)
	}
	if exitCode != 0 {
		return result, fmt.Errorf("%s exited with code %d", req.Command, exitCode)
	}
	return result, nil
}
