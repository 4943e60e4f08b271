package domain

import "time"

// Stats summarises the subscriber table.
type Stats struct {
	Active      int       `json:"active"`
	Expired     int       `json:"expired"`
	Revoked     int       `json:"revoked"`
	Banned      int       `json:"banned"`
	Unreachable int       `json:"unreachable"`
	Total       int       `json:"total"`
	ComputedAt  time.Time `json:"computed_at"`
}
