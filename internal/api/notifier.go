package api

import (
	"context"

	"github.com/coldstack/tapebackarr/internal/notify"
)

// eventBusNotifier adapts a notify.Notifier onto the server's EventBus, so
// pipeline lifecycle events also show up on the SSE stream the frontend
// subscribes to, alongside whatever Telegram/email notifiers are wired in
// the same notify.Fanout.
type eventBusNotifier struct {
	bus *EventBus
}

// NewEventBusNotifier returns a notify.Notifier that republishes pipeline
// events onto bus, for inclusion in a notify.Fanout alongside Telegram/email.
func NewEventBusNotifier(bus *EventBus) notify.Notifier {
	return &eventBusNotifier{bus: bus}
}

func (n *eventBusNotifier) Send(ctx context.Context, event notify.Event) error {
	eventType := "info"
	switch event.Kind {
	case notify.KindBackupFailed, notify.KindDriveError:
		eventType = "error"
	case notify.KindTapeChange, notify.KindTapeUnregistered, notify.KindWrongTape:
		eventType = "warning"
	case notify.KindBackupComplete:
		eventType = "success"
	}

	n.bus.Publish(SystemEvent{
		Type:     eventType,
		Category: "backup",
		Title:    string(event.Kind),
		Message:  event.TaskName + ": " + event.Message,
		Details:  event.Details,
	})
	return nil
}
