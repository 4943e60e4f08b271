// Package domain holds the subscription lifecycle types shared by the store,
// services and transports.
package domain

import (
	"fmt"
	"time"
)

// Status is a subscriber's access state.
type Status string

// Subscriber statuses. REVOKED covers refunds, cancellations and chargebacks;
// EXPIRED is a time-based lapse.
const (
	StatusApproved Status = "APPROVED"
	StatusExpired  Status = "EXPIRED"
	StatusBanned   Status = "BANNED"
	StatusRevoked  Status = "REVOKED"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusApproved, StatusExpired, StatusBanned, StatusRevoked}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown subscriber status %q", s)
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// GrantsAccess reports whether subscribers in this status may be channel members.
func (s Status) GrantsAccess() bool {
	return s == StatusApproved
}

// Subscriber is a person entitled, or formerly entitled, to channel access.
// Email is the durable identity; AccountID is unknown until onboarding completes.
type Subscriber struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	AccountID    *int64     `json:"account_id,omitempty"`
	DisplayName  string     `json:"display_name,omitempty"`
	Handle       string     `json:"handle,omitempty"`
	JoinedAt     time.Time  `json:"joined_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Status       Status     `json:"status"`
	InviteLink   *string    `json:"invite_link,omitempty"`
	LinkIssuedAt *time.Time `json:"link_issued_at,omitempty"`
	LinkUsed     bool       `json:"link_used"`
	Unreachable  bool       `json:"unreachable"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// HasAccount reports whether the platform account is known.
func (s *Subscriber) HasAccount() bool {
	return s.AccountID != nil && *s.AccountID != 0
}

// Account returns the platform account id, or zero when unknown.
func (s *Subscriber) Account() int64 {
	if s.AccountID == nil {
		return 0
	}
	return *s.AccountID
}

// HasLink reports whether an invite link is recorded.
func (s *Subscriber) HasLink() bool {
	return s.InviteLink != nil && *s.InviteLink != ""
}

// Link returns the recorded invite link or the empty string.
func (s *Subscriber) Link() string {
	if s.InviteLink == nil {
		return ""
	}
	return *s.InviteLink
}

// IsExpired reports whether the paid period has lapsed at now.
func (s *Subscriber) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Authorized reports whether the subscriber may remain a channel member.
func (s *Subscriber) Authorized() bool {
	return s.Status.GrantsAccess() && !s.Unreachable
}

// Notifiable reports whether outbound messages can be attempted.
func (s *Subscriber) Notifiable() bool {
	return s.HasAccount() && !s.Unreachable
}

// LinkDeliverable reports whether the recorded link can be re-sent instead of
// issuing a new one: unused and still inside its validity window.
func (s *Subscriber) LinkDeliverable(now time.Time, ttl time.Duration) bool {
	if !s.HasLink() || s.LinkUsed || s.LinkIssuedAt == nil {
		return false
	}
	return now.Before(s.LinkIssuedAt.Add(ttl))
}

// DaysLeft returns whole days until expiry, never negative.
func (s *Subscriber) DaysLeft(now time.Time) int {
	if s.IsExpired(now) {
		return 0
	}
	return int(s.ExpiresAt.Sub(now).Hours() / 24)
}
