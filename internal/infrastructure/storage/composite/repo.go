package composite

import (
	"context"

	"mt5bridge/internal/application/port"
)

// Notifier fans a change out to every target. All targets are tried;
// the first error is returned.
type Notifier struct {
	targets []port.Notifier
}

func New(targets ...port.Notifier) *Notifier {
	out := make([]port.Notifier, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			out = append(out, t)
		}
	}
	return &Notifier{targets: out}
}

func (n *Notifier) Len() int { return len(n.targets) }

func (n *Notifier) Publish(ctx context.Context, ch port.Change) error {
	var firstErr error
	for _, t := range n.targets {
		if err := t.Publish(ctx, ch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.Notifier = (*Notifier)(nil)
