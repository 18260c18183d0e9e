package errclass

import (
	"testing"

	"github.com/Rogers-F/threadline/internal/domain"
)

func newClassifier(t *testing.T, extra ...Signature) *Classifier {
	t.Helper()
	c, err := New(extra)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClassify_DefaultTable(t *testing.T) {
	c := newClassifier(t)
	tests := []struct {
		msg       string
		category  domain.ErrorCategory
		retryable bool
	}{
		{"SQL access control error: Insufficient privileges to operate on table", domain.CategoryPermission, false},
		{"Object 'P' already exists.", domain.CategoryObjectExists, false},
		{"statement timed out after 30s", domain.CategoryTransient, true},
		{"connection reset by peer", domain.CategoryTransient, true},
		{"SQL compilation error: syntax error line 1 at position 7", domain.CategorySyntax, false},
		{"the moon is in the wrong phase", domain.CategoryUnknown, false},
	}
	for _, tt := range tests {
		v := c.Classify(domain.ErrorSignature{Message: tt.msg}, nil)
		if v.Category != tt.category || v.Retryable != tt.retryable {
			t.Errorf("Classify(%q) = %s/%v, want %s/%v", tt.msg, v.Category, v.Retryable, tt.category, tt.retryable)
		}
	}
}

func TestClassify_TransientRetriesCapped(t *testing.T) {
	c := newClassifier(t)
	v := c.Classify(domain.ErrorSignature{Message: "service unavailable"}, nil)
	if v.MaxRetries != MaxRetries {
		t.Errorf("MaxRetries = %d, want %d", v.MaxRetries, MaxRetries)
	}
}

func TestClassify_PermissionCarriesHint(t *testing.T) {
	c := newClassifier(t)
	v := c.Classify(domain.ErrorSignature{Message: "permission denied for schema"}, nil)
	if v.Hint == "" {
		t.Error("permission verdict has no remediation hint")
	}
}

func TestClassify_StepOverrideWins(t *testing.T) {
	c := newClassifier(t)
	overrides := []domain.ErrorOverride{{Match: "already attached", Category: domain.CategoryTransient, Retryable: true}}

	v := c.Classify(domain.ErrorSignature{Message: "policy already attached to column"}, overrides)
	if v.Category != domain.CategoryTransient || !v.Retryable {
		t.Errorf("verdict = %+v, want retryable transient", v)
	}

	// The override is scoped to the step declaring it.
	v = c.Classify(domain.ErrorSignature{Message: "policy already attached to column"}, nil)
	if v.Category != domain.CategoryObjectExists {
		t.Errorf("Category = %s, want object_exists", v.Category)
	}
}

func TestClassify_ConfiguredSignaturesFirst(t *testing.T) {
	c := newClassifier(t, Signature{Code: "390114", Category: domain.CategoryTransient, Retryable: true, MaxRetries: 5})

	v := c.Classify(domain.ErrorSignature{Code: "390114", Message: "Authentication token has expired"}, nil)
	if v.Category != domain.CategoryTransient {
		t.Fatalf("Category = %s, want transient", v.Category)
	}
	if v.MaxRetries != MaxRetries {
		t.Errorf("MaxRetries = %d, want clamp to %d", v.MaxRetries, MaxRetries)
	}
}

func TestNew_RejectsBadRows(t *testing.T) {
	if _, err := New([]Signature{{Match: "(", Category: domain.CategorySyntax}}); err == nil {
		t.Error("expected error for invalid expression")
	}
	if _, err := New([]Signature{{Match: "x", Category: "weird"}}); err == nil {
		t.Error("expected error for unknown category")
	}
	if _, err := New([]Signature{{Category: domain.CategoryTransient}}); err == nil {
		t.Error("expected error for a row with no code or match")
	}
}
