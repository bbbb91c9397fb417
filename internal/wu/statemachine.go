package wu

import (
	"github.com/hellmai/lumenflow/internal/lferrors"
)

// legalTransitions enumerates every allowed (current, next) status pair:
// ready -> in_progress -> {done, blocked}; in_progress -> ready (release);
// blocked -> in_progress; any -> deleted.
var legalTransitions = map[Status]map[Status]bool{
	Ready: {
		InProgress: true,
		Deleted:    true,
	},
	InProgress: {
		Ready:   true,
		Done:    true,
		Blocked: true,
		Deleted: true,
	},
	Blocked: {
		InProgress: true,
		Deleted:    true,
	},
	Done: {
		Deleted: true,
	},
}

// AssertTransition fails with STATE_ERROR unless current -> next is legal.
func AssertTransition(current, next Status, wuID string) error {
	allowed, ok := legalTransitions[current]
	if !ok || !allowed[next] {
		return lferrors.New(lferrors.StateError, "assertTransition", nil).WithWU(wuID)
	}
	return nil
}
