package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/executor"
)

// Synthesizer builds an ordered step list for a goal from the primitives of
// one domain. A synthesizer that declines returns a *Rejection.
type Synthesizer interface {
	Synthesize(ctx context.Context, goal string, primitives []domain.Primitive) (domain.GuidedPlan, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, goal string, primitives []domain.Primitive) (domain.GuidedPlan, error)

// Synthesize calls f.
func (f SynthesizerFunc) Synthesize(ctx context.Context, goal string, primitives []domain.Primitive) (domain.GuidedPlan, error) {
	return f(ctx, goal, primitives)
}

// Rejection is a synthesizer refusing to plan a goal.
type Rejection struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("plan rejected (%s): %s", r.Reason, r.Message)
}

// synthesisRequest is written to the synthesizer process stdin.
type synthesisRequest struct {
	Goal       string             `json:"goal"`
	Primitives []domain.Primitive `json:"primitives"`
}

// synthesisResponse is read from its stdout: a plan or a rejection.
type synthesisResponse struct {
	Plan      *domain.GuidedPlan `json:"plan"`
	Rejection *Rejection         `json:"rejection"`
}

// CommandSynthesizer delegates synthesis to an external process speaking
// one JSON document each way.
type CommandSynthesizer struct {
	Spec executor.CommandSpec
}

// Synthesize implements Synthesizer.
func (c *CommandSynthesizer) Synthesize(ctx context.Context, goal string, primitives []domain.Primitive) (domain.GuidedPlan, error) {
	timeout := c.Spec.Timeout
	if timeout <= 0 {
		timeout = executor.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(synthesisRequest{Goal: goal, Primitives: primitives})
	if err != nil {
		return domain.GuidedPlan{}, fmt.Errorf("encode synthesis request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Spec.Command, c.Spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.Spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(append(body, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return domain.GuidedPlan{}, domain.Detail(domain.ErrSynthesizerFailed, "%s", msg)
	}

	var resp synthesisResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return domain.GuidedPlan{}, domain.WrapEngineError(domain.ErrSynthesizerFailed.Code, "decode synthesis response", err)
	}
	switch {
	case resp.Rejection != nil:
		if resp.Rejection.Reason == "" {
			resp.Rejection.Reason = ReasonRefused
		}
		return domain.GuidedPlan{}, resp.Rejection
	case resp.Plan == nil:
		return domain.GuidedPlan{}, domain.Detail(domain.ErrSynthesizerFailed, "response has neither plan nor rejection")
	}
	plan := *resp.Plan
	if plan.Goal == "" {
		plan.Goal = goal
	}
	return plan, nil
}
