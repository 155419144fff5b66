package events

import (
	"context"
	"errors"
	"fmt"
)

// Fanout delivers each event to every publisher. A failing publisher does not stop
// delivery to the rest; the errors are joined.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for i, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
