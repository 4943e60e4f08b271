package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/id"
	"github.com/gatekeeperapp/gatekeeper-server/internal/sse"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
)

const subscriberColumns = `id, email, account_id, display_name, handle, joined_at, expires_at,
	status, invite_link, link_issued_at, link_used, unreachable, created_at, updated_at`

// scanSubscriber scans a row into a domain.Subscriber.
func scanSubscriber(scanner interface{ Scan(...any) error }) (*domain.Subscriber, error) {
	var (
		sub          domain.Subscriber
		accountID    sql.NullInt64
		inviteLink   sql.NullString
		linkIssuedAt sql.NullString
		status       string
		linkUsed     int
		unreachable  int
		joinedAt     string
		expiresAt    string
		createdAt    string
		updatedAt    string
	)

	err := scanner.Scan(
		&sub.ID,
		&sub.Email,
		&accountID,
		&sub.DisplayName,
		&sub.Handle,
		&joinedAt,
		&expiresAt,
		&status,
		&inviteLink,
		&linkIssuedAt,
		&linkUsed,
		&unreachable,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.Status = domain.Status(status)
	sub.LinkUsed = linkUsed != 0
	sub.Unreachable = unreachable != 0

	if accountID.Valid {
		v := accountID.Int64
		sub.AccountID = &v
	}
	if inviteLink.Valid {
		v := inviteLink.String
		sub.InviteLink = &v
	}

	if sub.JoinedAt, err = parseTime(joinedAt); err != nil {
		return nil, fmt.Errorf("parse joined_at: %w", err)
	}
	if sub.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if sub.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sub.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if sub.LinkIssuedAt, err = parseNullableTime(linkIssuedAt); err != nil {
		return nil, fmt.Errorf("parse link_issued_at: %w", err)
	}

	return &sub, nil
}

// UpsertOnPayment creates or refreshes a subscriber in one statement so
// concurrent deliveries for the same email cannot lose an update.
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
	now := formatTime(in.Now)

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscribers (
			id, email, display_name, joined_at, expires_at, status,
			link_used, unreachable, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at,
			invite_link = NULL,
			link_issued_at = NULL,
			link_used = 0,
			updated_at = excluded.updated_at
		RETURNING `+subscriberColumns,
		newID, email, in.DisplayName, now, formatTime(in.ExpiresAt), string(in.Status), now, now,
	)

	sub, err := scanSubscriber(row)
	if err != nil {
		return nil, false, fmt.Errorf("upsert subscriber: %w", err)
	}

	created := sub.ID == newID
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (`+subscriberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.Email,
		nullInt64(sub.AccountID),
		sub.DisplayName,
		sub.Handle,
		formatTime(sub.JoinedAt),
		formatTime(sub.ExpiresAt),
		string(sub.Status),
		nullableString(sub.InviteLink),
		nullTimeString(sub.LinkIssuedAt),
		boolInt(sub.LinkUsed),
		boolInt(sub.Unreachable),
		formatTime(sub.CreatedAt),
		formatTime(sub.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists.WithMessage("subscriber already exists: " + sub.Email)
		}
		return fmt.Errorf("insert subscriber: %w", err)
	}

	s.emitter.Emit(sse.NewSubscriberUpdatedEvent(sub, "created"))
	return nil
}

// GetByEmail retrieves a subscriber by normalized email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE email = ?`,
		store.NormalizeEmail(email))

	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetByAccountID retrieves a subscriber by platform account id.
func (s *Store) GetByAccountID(ctx context.Context, accountID int64) (*domain.Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE account_id = ?`,
		accountID)

	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListByStatus returns subscribers at status ordered by join time.
func (s *Store) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Subscriber, error) {
	return s.list(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE status = ? ORDER BY joined_at, email`,
		string(status))
}

// ListExpiredBefore returns subscribers of any status whose expiry precedes t.
func (s *Store) ListExpiredBefore(ctx context.Context, t time.Time) ([]*domain.Subscriber, error) {
	return s.list(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE expires_at < ? ORDER BY expires_at, email`,
		formatTime(t))
}

// ListReachable returns subscribers with a known account that are not flagged unreachable.
func (s *Store) ListReachable(ctx context.Context) ([]*domain.Subscriber, error) {
	return s.list(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		WHERE account_id IS NOT NULL AND unreachable = 0
		ORDER BY joined_at, email`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*domain.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*domain.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SetStatus updates a subscriber's status.
func (s *Store) SetStatus(ctx context.Context, email string, status domain.Status) error {
	if !status.Valid() {
		return store.ErrInvalidInput.WithMessage(fmt.Sprintf("invalid status %q", status))
	}
	return s.updateByEmail(ctx, email, "status",
		`UPDATE subscribers SET status = ?, updated_at = ? WHERE email = ?`,
		string(status), formatTime(time.Now()), store.NormalizeEmail(email))
}

// Reactivate sets APPROVED with a new expiry and clears link state.
func (s *Store) Reactivate(ctx context.Context, email string, expiresAt time.Time) (*domain.Subscriber, error) {
	email = store.NormalizeEmail(email)
	err := s.updateByEmail(ctx, email, "reactivated", `
		UPDATE subscribers SET
			status = ?, expires_at = ?,
			invite_link = NULL, link_issued_at = NULL, link_used = 0,
			updated_at = ?
		WHERE email = ?`,
		string(domain.StatusApproved), formatTime(expiresAt), formatTime(time.Now()), email)
	if err != nil {
		return nil, err
	}
	return s.GetByEmail(ctx, email)
}

// SetLink records a freshly issued invite link.
func (s *Store) SetLink(ctx context.Context, email, link string, issuedAt time.Time) error {
	if link == "" {
		return store.ErrInvalidInput.WithMessage("invite link is required")
	}
	err := s.updateByEmail(ctx, email, "link_issued", `
		UPDATE subscribers SET invite_link = ?, link_issued_at = ?, link_used = 0, updated_at = ?
		WHERE email = ?`,
		link, formatTime(issuedAt), formatTime(time.Now()), store.NormalizeEmail(email))
	if err != nil && isUniqueViolation(err) {
		return store.ErrAlreadyExists.WithMessage("invite link already assigned")
	}
	return err
}

// ClearLink removes any recorded invite link.
func (s *Store) ClearLink(ctx context.Context, email string) error {
	return s.updateByEmail(ctx, email, "link_cleared", `
		UPDATE subscribers SET invite_link = NULL, link_issued_at = NULL, updated_at = ?
		WHERE email = ?`,
		formatTime(time.Now()), store.NormalizeEmail(email))
}

// MarkLinkUsed records that the account joined through its link.
func (s *Store) MarkLinkUsed(ctx context.Context, accountID int64) error {
	return s.updateByAccount(ctx, accountID, "link_used",
		`UPDATE subscribers SET link_used = 1, updated_at = ? WHERE account_id = ?`,
		formatTime(time.Now()), accountID)
}

// MarkUnreachable flags the account as no longer accepting messages.
func (s *Store) MarkUnreachable(ctx context.Context, accountID int64) error {
	return s.updateByAccount(ctx, accountID, "unreachable",
		`UPDATE subscribers SET unreachable = 1, updated_at = ? WHERE account_id = ?`,
		formatTime(time.Now()), accountID)
}

// BindAccount attaches a platform account to a subscriber and clears the
// unreachable flag.
func (s *Store) BindAccount(ctx context.Context, b store.AccountBinding) (*domain.Subscriber, error) {
	email := store.NormalizeEmail(b.Email)
	if b.AccountID == 0 {
		return nil, store.ErrInvalidInput.WithMessage("account id is required")
	}

	err := s.updateByEmail(ctx, email, "account_bound", `
		UPDATE subscribers SET
			account_id = ?, display_name = ?, handle = ?, unreachable = 0, updated_at = ?
		WHERE email = ?`,
		b.AccountID, b.DisplayName, b.Handle, formatTime(time.Now()), email)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrAlreadyExists.WithMessage("account already bound to another subscriber")
		}
		return nil, err
	}
	return s.GetByEmail(ctx, email)
}

// Stats counts subscribers. Expired counts any status with expiry before now.
func (s *Store) Stats(ctx context.Context, now time.Time) (*domain.Stats, error) {
	stats := &domain.Stats{ComputedAt: now}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'APPROVED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'REVOKED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'BANNED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(unreachable), 0)
		FROM subscribers`,
		formatTime(now),
	).Scan(&stats.Total, &stats.Active, &stats.Expired, &stats.Revoked, &stats.Banned, &stats.Unreachable)
	if err != nil {
		return nil, fmt.Errorf("count subscribers: %w", err)
	}
	return stats, nil
}

// updateByEmail runs a single-row update and maps zero rows to ErrNotFound.
func (s *Store) updateByEmail(ctx context.Context, email, reason, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}

	if sub, err := s.GetByEmail(ctx, email); err == nil {
		s.emitter.Emit(sse.NewSubscriberUpdatedEvent(sub, reason))
	}
	return nil
}

func (s *Store) updateByAccount(ctx context.Context, accountID int64, reason, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}

	if sub, err := s.GetByAccountID(ctx, accountID); err == nil {
		s.emitter.Emit(sse.NewSubscriberUpdatedEvent(sub, reason))
	}
	return nil
}
