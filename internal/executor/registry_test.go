package executor

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/Rogers-F/threadline/internal/domain"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process executor tests need a POSIX shell")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	spec := CommandSpec{Kind: "sql", Command: "echo", Args: []string{"hello"}, Env: map[string]string{"KEY": "VAL"}}

	if err := reg.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := reg.Get("sql")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Command != "echo" {
		t.Errorf("Command = %q, want %q", got.Command, "echo")
	}
	if got.Env["KEY"] != "VAL" {
		t.Errorf("Env[KEY] = %q, want %q", got.Env["KEY"], "VAL")
	}
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	spec := CommandSpec{Kind: "sql", Command: "echo"}
	if err := reg.Register(spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := reg.Register(spec); !errors.Is(err, domain.ErrExecutorDuplicate) {
		t.Fatalf("err = %v, want ErrExecutorDuplicate", err)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("nonexistent")
	if !errors.Is(err, domain.ErrExecutorNotRegistered) {
		t.Errorf("err = %v, want ErrExecutorNotRegistered", err)
	}
	_, err = reg.Execute(context.Background(), domain.ActionDescriptor{Kind: "nonexistent"})
	if !errors.Is(err, domain.ErrExecutorNotRegistered) {
		t.Errorf("Execute err = %v, want ErrExecutorNotRegistered", err)
	}
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry()
	for _, k := range []string{"sql", "docs", "http"} {
		if err := reg.Register(CommandSpec{Kind: k, Command: "true"}); err != nil {
			t.Fatalf("Register %s: %v", k, err)
		}
	}
	got := reg.List()
	want := []string{"docs", "http", "sql"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistry_ExecuteDecodesResult(t *testing.T) {
	skipWithoutShell(t)
	reg := NewRegistry()
	// Echo the request mode back so the test sees what was written to stdin.
	script := `read req; case "$req" in *'"mode":"probe"'*) m=probe;; *) m=execute;; esac; ` +
		`printf '{"success":true,"payload":{"mode":"%s"}}' "$m"`
	if err := reg.Register(CommandSpec{Kind: "sql", Command: "sh", Args: []string{"-c", script}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Execute(context.Background(), domain.ActionDescriptor{Kind: "sql", Target: "policies"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Payload["mode"] != "execute" {
		t.Errorf("Execute result = %+v", res)
	}

	res, err = reg.Probe(context.Background(), domain.ActionDescriptor{Kind: "sql"})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Payload["mode"] != "probe" {
		t.Errorf("Probe payload = %v, want mode probe", res.Payload)
	}
}

func TestRegistry_NonZeroExitBecomesFailedResult(t *testing.T) {
	skipWithoutShell(t)
	reg := NewRegistry()
	script := `cat >/dev/null; echo "permission denied on table" >&2; exit 3`
	if err := reg.Register(CommandSpec{Kind: "sql", Command: "sh", Args: []string{"-c", script}}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := reg.Execute(context.Background(), domain.ActionDescriptor{Kind: "sql"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.Error == nil {
		t.Fatalf("result = %+v, want failure", res)
	}
	if res.Error.Code != "exit_3" || res.Error.Message != "permission denied on table" {
		t.Errorf("Error = %+v", res.Error)
	}
}

func TestRegistry_GarbageOutputIsProtocolError(t *testing.T) {
	skipWithoutShell(t)
	reg := NewRegistry()
	if err := reg.Register(CommandSpec{Kind: "sql", Command: "sh", Args: []string{"-c", "cat >/dev/null; echo not-json"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := reg.Execute(context.Background(), domain.ActionDescriptor{Kind: "sql"})
	if !errors.Is(err, domain.ErrExecutorProtocol) {
		t.Fatalf("err = %v, want ErrExecutorProtocol", err)
	}
}

func TestRegistry_TimeoutIsTransientSignature(t *testing.T) {
	skipWithoutShell(t)
	reg := NewRegistry()
	spec := CommandSpec{Kind: "sql", Command: "sleep", Args: []string{"5"}, Timeout: 100 * time.Millisecond}
	if err := reg.Register(spec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := reg.Execute(context.Background(), domain.ActionDescriptor{Kind: "sql"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error == nil || res.Error.Code != "timeout" {
		t.Errorf("result = %+v, want timeout signature", res)
	}
}
