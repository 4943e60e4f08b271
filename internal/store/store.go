// Package store defines the subscriber persistence contract. The sqlite and
// badger subpackages implement it.
package store

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
)

// EventEmitter is the interface for emitting admin stream events.
// Services use this to broadcast changes without depending on SSE implementation details.
type EventEmitter interface {
	Emit(event any)
}

// NoopEmitter is a no-op implementation of EventEmitter for testing.
type NoopEmitter struct{}

// Emit implements EventEmitter.Emit as a no-op.
func (NoopEmitter) Emit(_ any) {}

// NewNoopEmitter creates a new no-op emitter for testing.
func NewNoopEmitter() EventEmitter {
	return NoopEmitter{}
}

// PaymentUpsert carries the values written by UpsertOnPayment.
type PaymentUpsert struct {
	Email       string
	Status      domain.Status
	DisplayName string // used only when the record is created
	Now         time.Time
	ExpiresAt   time.Time
}

// AccountBinding links a platform account to a subscriber during onboarding.
type AccountBinding struct {
	Email       string
	AccountID   int64
	DisplayName string
	Handle      string
}

// Store is the subscriber table. Every email argument is normalized with
// NormalizeEmail by the implementation.
type Store interface {
	// UpsertOnPayment creates the subscriber or, when the email exists, sets
	// status and expiry and clears all link state. It is atomic per email and
	// reports whether a record was created.
	UpsertOnPayment(ctx context.Context, in PaymentUpsert) (*domain.Subscriber, bool, error)

	// CreateSubscriber inserts a manually added subscriber. A duplicate email
	// returns ErrAlreadyExists.
	CreateSubscriber(ctx context.Context, sub *domain.Subscriber) error

	GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
	GetByAccountID(ctx context.Context, accountID int64) (*domain.Subscriber, error)

	ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Subscriber, error)
	ListExpiredBefore(ctx context.Context, t time.Time) ([]*domain.Subscriber, error)
	// ListReachable returns subscribers with a known account that are not flagged unreachable.
	ListReachable(ctx context.Context) ([]*domain.Subscriber, error)

	SetStatus(ctx context.Context, email string, status domain.Status) error
	// Reactivate sets APPROVED with a new expiry and clears link state.
	Reactivate(ctx context.Context, email string, expiresAt time.Time) (*domain.Subscriber, error)
	SetLink(ctx context.Context, email, link string, issuedAt time.Time) error
	ClearLink(ctx context.Context, email string) error
	MarkLinkUsed(ctx context.Context, accountID int64) error
	MarkUnreachable(ctx context.Context, accountID int64) error
	// BindAccount records the platform account and clears the unreachable flag.
	// An account already bound to another email returns ErrAlreadyExists.
	BindAccount(ctx context.Context, b AccountBinding) (*domain.Subscriber, error)

	Stats(ctx context.Context, now time.Time) (*domain.Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeEmail folds compatibility characters, trims and lowercases.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(email)))
}
