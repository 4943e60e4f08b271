// Package sse implements Server-Sent Events for the admin activity stream.
package sse

import (
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
)

// EventType represents the type of SSE Event.
type EventType string

const (
	// EventSubscriberUpdated is sent after any subscriber write.
	EventSubscriberUpdated EventType = "subscriber.updated"

	// EventCandidateQueued is sent when an unauthorized member joins the removal queue.
	EventCandidateQueued EventType = "candidate.queued"
	// EventCandidateResolved is sent when the admin removes or dismisses the queue head.
	EventCandidateResolved EventType = "candidate.resolved"

	// EventBroadcastProgress reports a running broadcast.
	EventBroadcastProgress EventType = "broadcast.progress"
	// EventNotificationSummary reports a finished status notification run.
	EventNotificationSummary EventType = "notification.summary"

	// EventHeartbeat represents a connection keepalive event.
	EventHeartbeat EventType = "heartbeat"
)

// Event represents an SSE event to be sent to clients.
// The Data field contains the event payload as a JSON object for direct deserialization.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      EventType `json:"type"`

	// AdminID restricts delivery to one admin's streams. Empty means all.
	AdminID string `json:"-"`
}

// SubscriberEventData is the payload for subscriber events.
type SubscriberEventData struct {
	Subscriber *domain.Subscriber `json:"subscriber"`
	Reason     string             `json:"reason"`
}

// CandidateEventData is the payload for candidate events.
type CandidateEventData struct {
	Candidate  domain.Candidate `json:"candidate"`
	QueueDepth int              `json:"queue_depth"`
	// Action is "removed" or "ignored" on resolution, empty when queued.
	Action string `json:"action,omitempty"`
}

// BroadcastProgressEventData is the payload for broadcast progress events.
type BroadcastProgressEventData struct {
	Sent  int  `json:"sent"`
	Total int  `json:"total"`
	Done  bool `json:"done"`
}

// NotificationSummaryEventData is the payload for notification summaries.
type NotificationSummaryEventData struct {
	Status      domain.Status `json:"status"`
	Delivered   int           `json:"delivered"`
	Failed      int           `json:"failed"`
	Unreachable int           `json:"unreachable"`
}

// HeartbeatEventData is the data payload for heartbeat events.
type HeartbeatEventData struct {
	ServerTime time.Time `json:"server_time"`
}

// NewSubscriberUpdatedEvent creates a subscriber.updated event.
func NewSubscriberUpdatedEvent(sub *domain.Subscriber, reason string) Event {
	return Event{
		Type: EventSubscriberUpdated,
		Data: SubscriberEventData{
			Subscriber: sub,
			Reason:     reason,
		},
		Timestamp: time.Now(),
	}
}

// NewCandidateQueuedEvent creates a candidate.queued event.
func NewCandidateQueuedEvent(c domain.Candidate, depth int) Event {
	return Event{
		Type: EventCandidateQueued,
		Data: CandidateEventData{
			Candidate:  c,
			QueueDepth: depth,
		},
		Timestamp: time.Now(),
	}
}

// NewCandidateResolvedEvent creates a candidate.resolved event.
func NewCandidateResolvedEvent(c domain.Candidate, action string, depth int) Event {
	return Event{
		Type: EventCandidateResolved,
		Data: CandidateEventData{
			Candidate:  c,
			QueueDepth: depth,
			Action:     action,
		},
		Timestamp: time.Now(),
	}
}

// NewBroadcastProgressEvent creates a broadcast.progress event.
func NewBroadcastProgressEvent(sent, total int) Event {
	return Event{
		Type: EventBroadcastProgress,
		Data: BroadcastProgressEventData{
			Sent:  sent,
			Total: total,
			Done:  sent >= total,
		},
		Timestamp: time.Now(),
	}
}

// NewNotificationSummaryEvent creates a notification.summary event.
func NewNotificationSummaryEvent(status domain.Status, delivered, failed, unreachable int) Event {
	return Event{
		Type: EventNotificationSummary,
		Data: NotificationSummaryEventData{
			Status:      status,
			Delivered:   delivered,
			Failed:      failed,
			Unreachable: unreachable,
		},
		Timestamp: time.Now(),
	}
}

// NewHeartbeatEvent creates a heartbeat event.
func NewHeartbeatEvent() Event {
	return Event{
		Type: EventHeartbeat,
		Data: HeartbeatEventData{
			ServerTime: time.Now(),
		},
		Timestamp: time.Now(),
	}
}
