package thread_test

import (
	"testing"

	"github.com/Rogers-F/threadline/internal/domain"
	"github.com/Rogers-F/threadline/internal/thread"
	"github.com/Rogers-F/threadline/internal/thread/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) thread.Store { return thread.NewMemoryStore() })
}

func TestSequence(t *testing.T) {
	in := []domain.Event{{Type: domain.EventRouted}, {Type: domain.EventProbesExecuted}}
	out := thread.Sequence("t-1", 4, in)
	if out[0].Seq != 5 || out[1].Seq != 6 {
		t.Errorf("Seq = %d,%d, want 5,6", out[0].Seq, out[1].Seq)
	}
	if out[1].ThreadID != "t-1" {
		t.Errorf("ThreadID = %q", out[1].ThreadID)
	}
	if in[0].Seq != 0 {
		t.Error("input must not be modified")
	}
}
