// Package platform describes the chat-channel capability the lifecycle engine
// consumes, and classifies its failures.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a platform failure.
type Kind int

// Failure kinds.
const (
	// KindUnknown is any failure not otherwise classified.
	KindUnknown Kind = iota
	// KindNotMember means the account is not in the channel; removals treat it as success.
	KindNotMember
	// KindPermission means the bot lacks rights or is misconfigured.
	KindPermission
	// KindUnreachable means the recipient blocked the bot or no longer exists.
	KindUnreachable
	// KindTransient covers timeouts, rate limits and network errors.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotMember:
		return "not_member"
	case KindPermission:
		return "permission"
	case KindUnreachable:
		return "unreachable"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a classified platform failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Context deadlines count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// ContentKind is the media type of an outbound message.
type ContentKind string

// Content kinds.
const (
	ContentText     ContentKind = "text"
	ContentPhoto    ContentKind = "photo"
	ContentVideo    ContentKind = "video"
	ContentDocument ContentKind = "document"
)

// Content is an outbound message. FileID references media already uploaded
// to the platform; Text is the body or caption.
type Content struct {
	Kind   ContentKind `json:"kind"`
	Text   string      `json:"text,omitempty"`
	FileID string      `json:"file_id,omitempty"`
}

// Text builds a text message.
func Text(s string) Content {
	return Content{Kind: ContentText, Text: s}
}

// Validate checks that the content is sendable.
func (c Content) Validate() error {
	switch c.Kind {
	case ContentText:
		if c.Text == "" {
			return errors.New("text content is empty")
		}
	case ContentPhoto, ContentVideo, ContentDocument:
		if c.FileID == "" {
			return fmt.Errorf("%s content needs a file id", c.Kind)
		}
	default:
		return fmt.Errorf("unknown content kind %q", c.Kind)
	}
	return nil
}

// Choice is an inline button. Data is returned verbatim on selection.
type Choice struct {
	Label string
	Data  string
}

// Member is a channel participant.
type Member struct {
	AccountID   int64
	DisplayName string
	Handle      string
	IsBot       bool
}

// Channel is the capability over the restricted channel and direct messages.
// Implementations return *Error for classified failures.
type Channel interface {
	// CreateSingleUseInvite returns a join link valid once until expiresAt.
	CreateSingleUseInvite(ctx context.Context, expiresAt time.Time) (string, error)
	RevokeInvite(ctx context.Context, link string) error
	// RemoveMember bans then unbans, so the account may rejoin with a new link.
	RemoveMember(ctx context.Context, accountID int64) error
	Send(ctx context.Context, accountID int64, content Content) error
	SendChoice(ctx context.Context, accountID int64, text string, choices []Choice) error
	ListMembers(ctx context.Context) ([]Member, error)
	SelfID() int64
}
