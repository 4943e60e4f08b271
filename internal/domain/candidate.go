package domain

import "time"

// Candidate is a channel member with no authorizing subscriber record,
// waiting for the admin to remove or dismiss it.
type Candidate struct {
	AccountID   int64     `json:"account_id"`
	DisplayName string    `json:"display_name"`
	Handle      string    `json:"handle,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Label renders the candidate for admin messages.
func (c Candidate) Label() string {
	if c.Handle != "" {
		return c.DisplayName + " (@" + c.Handle + ")"
	}
	return c.DisplayName
}
