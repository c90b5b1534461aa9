package deploy

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// compensation is an undo operation paired with a completed forward
// action.
type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// compensationStack accumulates undo operations as stages succeed. On a
// later failure they run in reverse order, guaranteeing cleanup stays
// complete as stages are added.
type compensationStack struct {
	logger zerolog.Logger
	stack  []compensation
}

func newCompensationStack(logger zerolog.Logger) *compensationStack {
	return &compensationStack{logger: logger.With().Str("component", "rollback").Logger()}
}

func (s *compensationStack) push(name string, fn func(ctx context.Context) error) {
	s.stack = append(s.stack, compensation{name: name, fn: fn})
}

// unwind executes all compensations newest-first. It keeps going past
// individual failures so later (earlier-pushed) undo steps still run,
// and returns the joined failures.
func (s *compensationStack) unwind(ctx context.Context) error {
	var errs []error
	for i := len(s.stack) - 1; i >= 0; i-- {
		c := s.stack[i]
		s.logger.Info().Str("action", c.name).Msg("running compensating action")
		if err := c.fn(ctx); err != nil {
			s.logger.Error().Err(err).Str("action", c.name).Msg("compensating action failed")
			errs = append(errs, err)
		}
	}
	s.stack = nil
	return errors.Join(errs...)
}

// discard drops all compensations once the deployment is confirmed
// stable.
func (s *compensationStack) discard() {
	s.stack = nil
}
