// Package notify delivers lifecycle notifications to marketplace
// parties. Delivery is best-effort and never blocks or fails the
// state transition that triggered it.
package notify

import (
	"context"
	"log/slog"

	"github.com/paddockmarket/paddock/internal/realtime"
)

// Dispatcher delivers one notification to one party.
type Dispatcher interface {
	Notify(ctx context.Context, partyID, eventType string, payload map[string]any) error
}

// LogDispatcher writes notifications to the structured log. Used in
// development and as a delivery audit trail.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d *LogDispatcher) Notify(ctx context.Context, partyID, eventType string, payload map[string]any) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"party_id", partyID,
		"event", eventType,
		"payload", payload,
	)
	return nil
}

// HubDispatcher pushes notifications to connected WebSocket clients.
type HubDispatcher struct {
	Hub *realtime.Hub
}

func (d *HubDispatcher) Notify(ctx context.Context, partyID, eventType string, payload map[string]any) error {
	e := &realtime.Event{
		Type:    eventType,
		PartyID: partyID,
		Payload: payload,
	}
	if v, ok := payload["offer_id"].(string); ok {
		e.OfferID = v
	}
	if v, ok := payload["transaction_id"].(string); ok {
		e.TransactionID = v
	}
	if v, ok := payload["horse_id"].(string); ok {
		e.HorseID = v
	}
	d.Hub.Broadcast(e)
	return nil
}

// MultiDispatcher fans out to several dispatchers. The first error is
// returned after all dispatchers have been tried.
type MultiDispatcher []Dispatcher

func (m MultiDispatcher) Notify(ctx context.Context, partyID, eventType string, payload map[string]any) error {
	var first error
	for _, d := range m {
		if err := d.Notify(ctx, partyID, eventType, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
