package domain

import (
	"fmt"
	"strings"
)

// EventKind is a provider-agnostic billing state change.
type EventKind string

// Payment event kinds.
const (
	EventPaid                 EventKind = "PAID"
	EventRenewed              EventKind = "RENEWED"
	EventRefunded             EventKind = "REFUNDED"
	EventCanceled             EventKind = "CANCELED"
	EventChargedBack          EventKind = "CHARGED_BACK"
	EventSubscriptionCanceled EventKind = "SUBSCRIPTION_CANCELED"
	EventExpired              EventKind = "EXPIRED"
)

// EventKinds lists every supported kind.
var EventKinds = []EventKind{
	EventPaid, EventRenewed, EventRefunded, EventCanceled,
	EventChargedBack, EventSubscriptionCanceled, EventExpired,
}

// ParseEventKind validates an event kind string.
func ParseEventKind(s string) (EventKind, error) {
	for _, k := range EventKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown payment event kind %q", s)
}

// Grants reports whether the event approves access.
func (k EventKind) Grants() bool {
	return k == EventPaid || k == EventRenewed
}

// TargetStatus is the subscriber status the event transitions to.
func (k EventKind) TargetStatus() Status {
	if k.Grants() {
		return StatusApproved
	}
	return StatusRevoked
}

// PaymentEvent is the normalized form of a provider webhook.
type PaymentEvent struct {
	Kind        EventKind `json:"event_kind"`
	Email       string    `json:"email"`
	RawStatus   string    `json:"raw_status"`
	DisplayName string    `json:"display_name,omitempty"`
	Provider    string    `json:"provider,omitempty"`
}

// NormalizeRawStatus uppercases a provider status and folds COMPLETED into APPROVED.
func NormalizeRawStatus(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "COMPLETED" {
		return string(StatusApproved)
	}
	return s
}
