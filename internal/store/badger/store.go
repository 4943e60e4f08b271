// Package badger implements store.Store on an embedded Badger key-value database.
// Records are JSON under subscriber:<email> with unique index keys for the
// platform account and the invite link.
package badger

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/id"
	"github.com/gatekeeperapp/gatekeeper-server/internal/sse"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
)

const (
	subscriberPrefix = "subscriber:"
	indexAccount     = "account"
	indexLink        = "link"
)

var _ store.Store = (*Store)(nil)

// Store wraps a Badger database instance.
type Store struct {
	db      *badgerdb.DB
	logger  *slog.Logger
	emitter store.EventEmitter

	subscribers *Entity[domain.Subscriber]
}

// New opens the database at path. An empty path opens an in-memory database.
func New(path string, logger *slog.Logger, emitter store.EventEmitter) (*Store, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil            // Disable Badger's internal logging
	opts.SyncWrites = true       // Ensure writes are synced to disk to prevent corruption on crashes
	opts.CompactL0OnClose = true // Compact L0 tables on close for faster startup
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	if emitter == nil {
		emitter = store.NewNoopEmitter()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:      db,
		logger:  logger,
		emitter: emitter,
		subscribers: NewEntity[domain.Subscriber](db, subscriberPrefix).
			WithIndex(indexAccount, func(sub *domain.Subscriber) []string {
				if !sub.HasAccount() {
					return nil
				}
				return []string{strconv.FormatInt(sub.Account(), 10)}
			}).
			WithIndex(indexLink, func(sub *domain.Subscriber) []string {
				if !sub.HasLink() {
					return nil
				}
				return []string{sub.Link()}
			}),
	}

	logger.Info("Badger database opened successfully", "path", path)
	return s, nil
}

// SetEmitter sets the emitter notified after subscriber writes.
func (s *Store) SetEmitter(emitter store.EventEmitter) {
	if emitter != nil {
		s.emitter = emitter
	}
}

// DB exposes the handle for inspection tools.
func (s *Store) DB() *badgerdb.DB {
	return s.db
}

// Ping reports whether the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger db is closed")
	}
	return nil
}

// Close gracefully closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("Closing database connection")
	return s.db.Close()
}

// UpsertOnPayment creates or refreshes a subscriber in one conflict-retried transaction.
func (s *Store) UpsertOnPayment(ctx context.Context, in store.PaymentUpsert) (*domain.Subscriber, bool, error) {
	email := store.NormalizeEmail(in.Email)
	if email == "" {
		return nil, false, store.ErrInvalidInput.WithMessage("email is required")
	}
	if !in.Status.Valid() {
		return nil, false, store.ErrInvalidInput.WithMessage(fmt.Sprintf("invalid status %q", in.Status))
	}

	newID, err := id.Subscriber()
	if err != nil {
		return nil, false, fmt.Errorf("generate subscriber id: %w", err)
	}

	var created bool
	sub, err := s.subscribers.Mutate(ctx, email, func(current *domain.Subscriber) (*domain.Subscriber, error) {
		if current == nil {
			created = true
			return &domain.Subscriber{
				ID:          newID,
				Email:       email,
				DisplayName: in.DisplayName,
				JoinedAt:    in.Now,
				ExpiresAt:   in.ExpiresAt,
				Status:      in.Status,
				CreatedAt:   in.Now,
				UpdatedAt:   in.Now,
			}, nil
		}
		created = false
		next := *current
		next.Status = in.Status
		next.ExpiresAt = in.ExpiresAt
		next.InviteLink = nil
		next.LinkIssuedAt = nil
		next.LinkUsed = false
		next.UpdatedAt = in.Now
		return &next, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("upsert subscriber: %w", err)
	}

	reason := "payment"
	if created {
		reason = "created"
	}
	s.emitter.Emit(sse.NewSubscriberUpdatedEvent(sub, reason))
	return sub, created, nil
}

// CreateSubscriber inserts a new subscriber. Duplicate email or account
// returns store.ErrAlreadyExists.
func (s *Store) CreateSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	sub.Email = store.NormalizeEmail(sub.Email)
	if sub.Email == "" {
		return store.ErrInvalidInput.WithMessage("email is required")
	}
	if sub.ID == "" {
		newID, err := id.Subscriber()
		if err != nil {
			return fmt.Errorf("generate subscriber id: %w", err)
		}
		sub.ID = newID
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	if sub.JoinedAt.IsZero() {
		sub.JoinedAt = sub.CreatedAt
	}

	if err := s.subscribers.Create(ctx, sub.Email, sub); err != nil {
		if store.IsAlreadyExists(err) {
			return store.ErrAlreadyExists.WithMessage("subscriber already exists: " + sub.Email)
		}
		return err
	}

	s.emitter.Emit(sse.NewSubscriberUpdatedEvent(sub, "created"))
	return nil
}

// GetByEmail retrieves a subscriber by normalized email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	return s.subscribers.Get(ctx, store.NormalizeEmail(email))
}

// GetByAccountID retrieves a subscriber by platform account id.
func (s *Store) GetByAccountID(ctx context.Context, accountID int64) (*domain.Subscriber, error) {
	return s.subscribers.GetByIndex(ctx, indexAccount, strconv.FormatInt(accountID, 10))
}

// ListByStatus returns subscribers at status ordered by join time.
func (s *Store) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Subscriber, error) {
	return s.collect(ctx, func(sub *domain.Subscriber) bool {
		return sub.Status == status
	}, byJoined)
}

// ListExpiredBefore returns subscribers of any status whose expiry precedes t.
func (s *Store) ListExpiredBefore(ctx context.Context, t time.Time) ([]*domain.Subscriber, error) {
	return s.collect(ctx, func(sub *domain.Subscriber) bool {
		return sub.ExpiresAt.Before(t)
	}, byExpiry)
}

// ListReachable returns subscribers with a known account that are not flagged unreachable.
func (s *Store) ListReachable(ctx context.Context) ([]*domain.Subscriber, error) {
	return s.collect(ctx, func(sub *domain.Subscriber) bool {
		return sub.HasAccount() && !sub.Unreachable
	}, byJoined)
}

func byJoined(a, b *domain.Subscriber) int {
	return cmp.Or(a.JoinedAt.Compare(b.JoinedAt), cmp.Compare(a.Email, b.Email))
}

func byExpiry(a, b *domain.Subscriber) int {
	return cmp.Or(a.ExpiresAt.Compare(b.ExpiresAt), cmp.Compare(a.Email, b.Email))
}

func (s *Store) collect(ctx context.Context, keep func(*domain.Subscriber) bool, order func(a, b *domain.Subscriber) int) ([]*domain.Subscriber, error) {
	var subs []*domain.Subscriber
	for sub, err := range s.subscribers.List(ctx) {
		if err != nil {
			return nil, err
		}
		if keep(sub) {
			subs = append(subs, sub)
		}
	}
	slices.SortFunc(subs, order)
	return subs, nil
}

// SetStatus updates a subscriber's status.
func (s *Store) SetStatus(ctx context.Context, email string, status domain.Status) error {
	if !status.Valid() {
		return store.ErrInvalidInput.WithMessage(fmt.Sprintf("invalid status %q", status))
	}
	_, err := s.update(ctx, email, "status", func(sub *domain.Subscriber) error {
		sub.Status = status
		return nil
	})
	return err
}

// Reactivate sets APPROVED with a new expiry and clears link state.
func (s *Store) Reactivate(ctx context.Context, email string, expiresAt time.Time) (*domain.Subscriber, error) {
	return s.update(ctx, email, "reactivated", func(sub *domain.Subscriber) error {
		sub.Status = domain.StatusApproved
		sub.ExpiresAt = expiresAt
		sub.InviteLink = nil
		sub.LinkIssuedAt = nil
		sub.LinkUsed = false
		return nil
	})
}

// SetLink records a freshly issued invite link.
func (s *Store) SetLink(ctx context.Context, email, link string, issuedAt time.Time) error {
	if link == "" {
		return store.ErrInvalidInput.WithMessage("invite link is required")
	}
	_, err := s.update(ctx, email, "link_issued", func(sub *domain.Subscriber) error {
		sub.InviteLink = &link
		sub.LinkIssuedAt = &issuedAt
		sub.LinkUsed = false
		return nil
	})
	if store.IsAlreadyExists(err) {
		return store.ErrAlreadyExists.WithMessage("invite link already assigned")
	}
	return err
}

// ClearLink removes any recorded invite link.
func (s *Store) ClearLink(ctx context.Context, email string) error {
	_, err := s.update(ctx, email, "link_cleared", func(sub *domain.Subscriber) error {
		sub.InviteLink = nil
		sub.LinkIssuedAt = nil
		return nil
	})
	return err
}

// MarkLinkUsed records that the account joined through its link.
func (s *Store) MarkLinkUsed(ctx context.Context, accountID int64) error {
	return s.updateByAccount(ctx, accountID, "link_used", func(sub *domain.Subscriber) error {
		sub.LinkUsed = true
		return nil
	})
}

// MarkUnreachable flags the account as no longer accepting messages.
func (s *Store) MarkUnreachable(ctx context.Context, accountID int64) error {
	return s.updateByAccount(ctx, accountID, "unreachable", func(sub *domain.Subscriber) error {
		sub.Unreachable = true
		return nil
	})
}

// BindAccount attaches a platform account to a subscriber and clears the
// unreachable flag.
func (s *Store) BindAccount(ctx context.Context, b store.AccountBinding) (*domain.Subscriber, error) {
	if b.AccountID == 0 {
		return nil, store.ErrInvalidInput.WithMessage("account id is required")
	}
	sub, err := s.update(ctx, b.Email, "account_bound", func(sub *domain.Subscriber) error {
		accountID := b.AccountID
		sub.AccountID = &accountID
		sub.DisplayName = b.DisplayName
		sub.Handle = b.Handle
		sub.Unreachable = false
		return nil
	})
	if store.IsAlreadyExists(err) {
		return nil, store.ErrAlreadyExists.WithMessage("account already bound to another subscriber")
	}
	return sub, err
}

// Stats counts subscribers. Expired counts any status with expiry before now.
func (s *Store) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	stats := &domain.Stats{ComputedAt: now}
	for sub, err := range s.subscribers.List(ctx) {
		if err != nil {
			return nil, err
		}
		stats.Total++
		switch sub.Status {
		case domain.StatusApproved:
			stats.Active++
		case domain.StatusRevoked:
			stats.Revoked++
		case domain.StatusBanned:
			stats.Banned++
		}
		if sub.ExpiresAt.Before(now) {
			stats.Expired++
		}
		if sub.Unreachable {
			stats.Unreachable++
		}
	}
	return stats, nil
}

func (s *Store) update(ctx context.Context, email, reason string, fn func(*domain.Subscriber) error) (*domain.Subscriber, error) {
	sub, err := s.subscribers.Update(ctx, store.NormalizeEmail(email), func(sub *domain.Subscriber) error {
		if err := fn(sub); err != nil {
			return err
		}
		sub.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(sse.NewSubscriberUpdatedEvent(sub, reason))
	return sub, nil
}

func (s *Store) updateByAccount(ctx context.Context, accountID int64, reason string, fn func(*domain.Subscriber) error) error {
	email, err := s.subscribers.LookupID(ctx, indexAccount, strconv.FormatInt(accountID, 10))
	if err != nil {
		return err
	}
	_, err = s.update(ctx, email, reason, func(sub *domain.Subscriber) error {
		// The account may have been rebound between lookup and update.
		if sub.Account() != accountID {
			return store.ErrNotFound
		}
		return fn(sub)
	})
	return err
}
