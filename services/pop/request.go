package pop

import (
	"fmt"

	"github.com/customeros/popstack/internal/scheduler"
)

// Request is an on-demand body download. Requests submitted while a sync is
// running are served by the sync itself between two of its steps.
type Request struct {
	EmailID  string
	PartID   string
	Priority scheduler.Priority
	Auto     bool

	done chan error
}

// NewRequest returns a pending download request. Auto requests run at low
// priority.
func NewRequest(emailID, partID string, auto bool) *Request {
	priority := scheduler.High
	if auto {
		priority = scheduler.Low
	}
	return &Request{
		EmailID:  emailID,
		PartID:   partID,
		Priority: priority,
		Auto:     auto,
		done:     make(chan error, 1),
	}
}

// Done yields the outcome once. A nil error means the body is stored or
// there was nothing to do.
func (r *Request) Done() <-chan error {
	return r.done
}

// Finish settles the request. Only the first outcome is kept.
func (r *Request) Finish(err error) {
	select {
	case r.done <- err:
	default:
	}
}

func (r *Request) String() string {
	if r.PartID != "" {
		return fmt.Sprintf("FetchEmail(%s, part %s, %s)", r.EmailID, r.PartID, r.Priority)
	}
	return fmt.Sprintf("FetchEmail(%s, %s)", r.EmailID, r.Priority)
}
