// Package executor defines the contract for running step actions and
// probes against a governed system, and a registry that delegates each
// action kind to an external process.
package executor

import (
	"context"

	"github.com/Rogers-F/threadline/internal/domain"
)

// Executor runs one concrete action. A failed action is reported in
// Result.Error; a returned error means the executor itself could not
// produce a result.
type Executor interface {
	Execute(ctx context.Context, action domain.ActionDescriptor) (domain.Result, error)
	Probe(ctx context.Context, probe domain.ActionDescriptor) (domain.Result, error)
}

// Funcs adapts plain functions to Executor. A nil ProbeFunc falls back to
// ExecuteFunc.
type Funcs struct {
	ExecuteFunc func(ctx context.Context, action domain.ActionDescriptor) (domain.Result, error)
	ProbeFunc   func(ctx context.Context, probe domain.ActionDescriptor) (domain.Result, error)
}

// Execute calls ExecuteFunc.
func (f Funcs) Execute(ctx context.Context, action domain.ActionDescriptor) (domain.Result, error) {
	if f.ExecuteFunc == nil {
		return domain.Result{}, domain.Detail(domain.ErrExecutorNotRegistered, "%s", action.Kind)
	}
	return f.ExecuteFunc(ctx, action)
}

// Probe calls ProbeFunc, or ExecuteFunc when unset.
func (f Funcs) Probe(ctx context.Context, probe domain.ActionDescriptor) (domain.Result, error) {
	if f.ProbeFunc == nil {
		return f.Execute(ctx, probe)
	}
	return f.ProbeFunc(ctx, probe)
}
