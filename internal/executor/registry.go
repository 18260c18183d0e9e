package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
)

// DefaultTimeout bounds one process invocation when the spec sets none.
const DefaultTimeout = 2 * time.Minute

// CommandSpec describes the process that serves one action kind.
type CommandSpec struct {
	Kind    string            `json:"kind" mapstructure:"kind"`
	Command string            `json:"command" mapstructure:"command"`
	Args    []string          `json:"args" mapstructure:"args"`
	Env     map[string]string `json:"env" mapstructure:"env"`
	Timeout time.Duration     `json:"timeout" mapstructure:"timeout"`
}

// request is the single JSON document written to the process stdin.
type request struct {
	Mode   string                  `json:"mode"`
	Action domain.ActionDescriptor `json:"action"`
}

// Registry is a thread-safe map from action kind to process spec. It
// implements Executor by running the registered process once per call.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]CommandSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]CommandSpec)}
}

// Register adds a spec. A kind can be registered once.
func (r *Registry) Register(spec CommandSpec) error {
	if spec.Kind == "" || spec.Command == "" {
		return fmt.Errorf("register executor: kind and command are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.specs[spec.Kind]; exists {
		return domain.Detail(domain.ErrExecutorDuplicate, "%s", spec.Kind)
	}
	r.specs[spec.Kind] = spec
	return nil
}

// Get returns the spec for an action kind.
func (r *Registry) Get(kind string) (CommandSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.specs[kind]
	if !ok {
		return CommandSpec{}, domain.Detail(domain.ErrExecutorNotRegistered, "%s", kind)
	}
	return spec, nil
}

// List returns all registered kinds in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Execute implements Executor.
func (r *Registry) Execute(ctx context.Context, action domain.ActionDescriptor) (domain.Result, error) {
	return r.run(ctx, "execute", action)
}

// Probe implements Executor.
func (r *Registry) Probe(ctx context.Context, probe domain.ActionDescriptor) (domain.Result, error) {
	return r.run(ctx, "probe", probe)
}

// run starts the process, writes the request, and decodes one Result from
// stdout. A process that exits non-zero without a result reports a failed
// Result carrying its stderr, so the failure can be classified.
func (r *Registry) run(ctx context.Context, mode string, action domain.ActionDescriptor) (domain.Result, error) {
	spec, err := r.Get(action.Kind)
	if err != nil {
		return domain.Result{}, err
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(request{Mode: mode, Action: action})
	if err != nil {
		return domain.Result{}, fmt.Errorf("encode %s request: %w", action.Kind, err)
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(append(body, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var res domain.Result
	if out := bytes.TrimSpace(stdout.Bytes()); len(out) > 0 {
		if err := json.Unmarshal(out, &res); err == nil {
			return res, nil
		} else if runErr == nil {
			return domain.Result{}, domain.WrapEngineError(domain.ErrExecutorProtocol.Code,
				fmt.Sprintf("%s: decode result", action.Kind), err)
		}
	}

	if runErr == nil {
		return domain.Result{}, domain.Detail(domain.ErrExecutorProtocol, "%s: empty result", action.Kind)
	}
	if ctx.Err() != nil {
		return domain.Result{Error: &domain.ErrorSignature{
			Code:    "timeout",
			Message: fmt.Sprintf("%s timed out after %s", action.Kind, timeout),
		}}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return domain.Result{Error: &domain.ErrorSignature{
			Code:    "exit_" + strconv.Itoa(exitErr.ExitCode()),
			Message: msg,
		}}, nil
	}
	return domain.Result{}, fmt.Errorf("run %s executor: %w", action.Kind, runErr)
}
