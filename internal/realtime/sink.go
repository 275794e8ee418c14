package realtime

import (
	"time"

	"github.com/otcdesk/escrowd/internal/escrow"
)

// Sink adapts escrow state transitions into hub broadcasts.
// It implements escrow.EventSink.
type Sink struct {
	hub *Hub
}

// NewSink creates an event sink that broadcasts through the given hub.
func NewSink(hub *Hub) *Sink {
	return &Sink{hub: hub}
}

func (s *Sink) EscrowCreated(rec *escrow.Record) {
	s.hub.Broadcast(&Event{
		Type:      EventEscrowCreated,
		Timestamp: time.Now().UTC(),
		Data:      recordPayload(rec),
	})
}

func (s *Sink) ExchangeExecuted(rec *escrow.Record, taker string) {
	data := recordPayload(rec)
	data["taker"] = taker
	s.hub.Broadcast(&Event{
		Type:      EventExchangeExecuted,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

func (s *Sink) EscrowCanceled(rec *escrow.Record, forced bool) {
	data := recordPayload(rec)
	data["forced"] = forced
	s.hub.Broadcast(&Event{
		Type:      EventEscrowCanceled,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// recordPayload flattens a record into the event data map used by
// subscription filtering (owner, taker, offerAmount keys).
func recordPayload(rec *escrow.Record) map[string]interface{} {
	data := map[string]interface{}{
		"id":           rec.ID,
		"owner":        rec.Owner,
		"offerAsset":   rec.OfferAsset,
		"offerAmount":  rec.OfferAmount,
		"acceptAsset":  rec.AcceptAsset,
		"acceptAmount": rec.AcceptAmount,
		"status":       string(rec.Status),
		"vaultRef":     rec.VaultRef,
		"expiresAt":    rec.ExpiresAt,
	}
	if rec.ResolvedAt != nil {
		data["resolvedAt"] = *rec.ResolvedAt
	}
	return data
}
