package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/containrrr/shoutrrr"
	shoutrrrtypes "github.com/containrrr/shoutrrr/pkg/types"
)

var (
	ErrInvalidURI   = errors.New("invalid URI")
	ErrUnknownEvent = errors.New("unknown event")
)

type Event string

const (
	Complete  Event = "complete"
	Error     Event = "error"
	Cancelled Event = "cancelled"
)

var Events = []Event{Complete, Error, Cancelled}

func (e Event) IsValid() bool {
	switch e {
	case Complete, Error, Cancelled:
		return true
	}
	return false
}

// Notifications maps events to shoutrrr URIs. The zero value and a nil pointer
// are both valid and send nothing.
type Notifications struct {
	mappings map[Event][]string
}

func (n *Notifications) AddURI(event Event, uri string) error {
	if !event.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		return fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	if n.mappings == nil {
		n.mappings = map[Event][]string{}
	}
	n.mappings[event] = append(n.mappings[event], uri)
	return nil
}

func (n *Notifications) IterMappings(f func(Event, string)) {
	if n == nil {
		return
	}
	for _, event := range Events {
		for _, uri := range n.mappings[event] {
			f(event, uri)
		}
	}
}

func (n *Notifications) Sendf(ctx context.Context, event Event, f string, a ...any) {
	n.Send(ctx, event, fmt.Sprintf(f, a...))
}

// Send delivers message to every URI for event. Delivery problems are logged, never returned.
func (n *Notifications) Send(ctx context.Context, event Event, message string) {
	if n == nil {
		return
	}
	uris := n.mappings[event]
	if len(uris) == 0 {
		return
	}

	sender, err := shoutrrr.CreateSender(uris...)
	if err != nil {
		slog.WarnContext(ctx, "create sender", "event", event, "err", err)
		return
	}

	params := &shoutrrrtypes.Params{}
	params.SetTitle("crate")

	if err := errors.Join(sender.Send(message, params)...); err != nil {
		slog.WarnContext(ctx, "sending notifications", "event", event, "err", err)
		return
	}
}
