package eventbus

import (
	"errors"
	"fmt"
	"time"
)

// HandlerFailure records one handler that returned an error or panicked.
type HandlerFailure struct {
	Handler string
	Err     error
}

// PublishResult summarizes a publish fan-out.
type PublishResult struct {
	EventID   string
	Kind      string
	Handled   int
	Succeeded int
	Failed    int
	Failures  []HandlerFailure
	Duration  time.Duration
}

// OK reports whether every handler succeeded.
func (r PublishResult) OK() bool {
	return r.Failed == 0
}

// Err joins the handler failures, or returns nil when all succeeded.
func (r PublishResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}

	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("handler %s: %w", f.Handler, f.Err))
	}

	return errors.Join(errs...)
}
