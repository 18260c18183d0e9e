package engine

import (
	"github.com/Rogers-F/threadline/internal/domain"
)

// ValidateResponse checks r against the pause s is waiting on.
func ValidateResponse(s State, r domain.HumanResponse) error {
	if s.Closed {
		return domain.Detail(domain.ErrThreadClosed, "%s", s.ThreadID)
	}
	p := s.Pending
	if p == nil {
		return domain.Detail(domain.ErrNotAwaiting, "%s is %s", s.ThreadID, s.Status)
	}
	if r.CheckpointID != p.ID {
		return domain.Detail(domain.ErrCheckpointMismatch, "pending is %s, got %q", p.ID, r.CheckpointID)
	}
	if p.Compensation != nil {
		return validateItems(p.Compensation.Items, r.Items)
	}

	if r.Decision == domain.DecisionApproveRemaining && p.Checkpoint != nil && p.Checkpoint.Severity == domain.SeverityCritical {
		return domain.Detail(domain.ErrBatchApproveDenied, "checkpoint %s", p.ID)
	}
	if !offered(p.Options, r.Decision) {
		return domain.Detail(domain.ErrOptionNotOffered, "%q at %s", r.Decision, p.ID)
	}

	switch r.Decision {
	case domain.DecisionClarify:
		for _, o := range p.Ambiguous.Options {
			if o.Domain == r.Domain {
				return nil
			}
		}
		return domain.Detail(domain.ErrOptionNotOffered, "domain %q was not offered", r.Domain)
	case domain.DecisionApprove, domain.DecisionApproveRemaining:
		if cp := p.Checkpoint; cp != nil && cp.Kind == domain.KindGather {
			for _, m := range cp.Missing {
				if _, ok := r.Input[m]; !ok {
					return domain.Detail(domain.ErrCheckpointMismatch, "input %q is required", m)
				}
			}
		}
	case domain.DecisionModify:
		if p.Rejected != nil && r.Text == "" {
			return domain.Detail(domain.ErrEmptyIntent, "modify needs a reduced goal")
		}
		if p.Checkpoint != nil && len(r.Input) == 0 {
			return domain.Detail(domain.ErrCheckpointMismatch, "modify needs input")
		}
	}
	return nil
}

func offered(opts []domain.Decision, d domain.Decision) bool {
	for _, o := range opts {
		if o == d {
			return true
		}
	}
	return false
}

// validateItems requires a known decision for every proposed item and
// nothing else.
func validateItems(items []domain.CompensationItem, got map[string]domain.Decision) error {
	if len(got) == 0 {
		return domain.Detail(domain.ErrCompensationInvalid, "no item decisions")
	}
	known := make(map[string]bool, len(items))
	for _, it := range items {
		known[it.StepID] = true
		if _, ok := got[it.StepID]; !ok {
			return domain.Detail(domain.ErrCompensationInvalid, "no decision for %s", it.StepID)
		}
	}
	for id, d := range got {
		if !known[id] {
			return domain.Detail(domain.ErrCompensationInvalid, "%s was not proposed", id)
		}
		switch d {
		case domain.DecisionAccept, domain.DecisionReject, domain.DecisionReview:
		default:
			return domain.Detail(domain.ErrCompensationInvalid, "%q for %s", d, id)
		}
	}
	return nil
}
