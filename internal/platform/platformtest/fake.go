// Package platformtest provides an in-memory platform.Channel for tests.
package platformtest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
)

// Sent is a recorded outbound message.
type Sent struct {
	AccountID int64
	Content   platform.Content
}

// Prompt is a recorded inline-choice message.
type Prompt struct {
	AccountID int64
	Text      string
	Choices   []platform.Choice
}

// Fake is a thread-safe in-memory channel. Removing an absent member returns
// a KindNotMember error like the real platform does.
type Fake struct {
	mu sync.Mutex

	self    int64
	seq     int
	members map[int64]platform.Member
	active  map[string]time.Time

	created []string
	revoked []string
	removed []int64
	sent    []Sent
	prompts []Prompt

	createErr error
	revokeErr error
	listErr   error
	removeErr map[int64]error
	sendErr   map[int64]error

	revokeDelay time.Duration
}

var _ platform.Channel = (*Fake)(nil)

// New creates a Fake whose bot account is selfID.
func New(selfID int64) *Fake {
	return &Fake{
		self:      selfID,
		members:   make(map[int64]platform.Member),
		active:    make(map[string]time.Time),
		removeErr: make(map[int64]error),
		sendErr:   make(map[int64]error),
	}
}

// SelfID implements platform.Channel.
func (f *Fake) SelfID() int64 { return f.self }

// CreateSingleUseInvite implements platform.Channel.
func (f *Fake) CreateSingleUseInvite(ctx context.Context, expiresAt time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", platform.NewError(platform.KindTransient, "create_invite", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	link := fmt.Sprintf("https://t.me/+fake%04d", f.seq)
	f.active[link] = expiresAt
	f.created = append(f.created, link)
	return link, nil
}

// RevokeInvite implements platform.Channel.
func (f *Fake) RevokeInvite(ctx context.Context, link string) error {
	f.mu.Lock()
	delay := f.revokeDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return platform.NewError(platform.KindTransient, "revoke_invite", ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	delete(f.active, link)
	f.revoked = append(f.revoked, link)
	return nil
}

// RemoveMember implements platform.Channel.
func (f *Fake) RemoveMember(_ context.Context, accountID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErr[accountID]; err != nil {
		return err
	}
	if _, ok := f.members[accountID]; !ok {
		return platform.NewError(platform.KindNotMember, "remove_member", errors.New("user is not a member"))
	}
	delete(f.members, accountID)
	f.removed = append(f.removed, accountID)
	return nil
}

// Send implements platform.Channel.
func (f *Fake) Send(_ context.Context, accountID int64, content platform.Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[accountID]; err != nil {
		return err
	}
	f.sent = append(f.sent, Sent{AccountID: accountID, Content: content})
	return nil
}

// SendChoice implements platform.Channel.
func (f *Fake) SendChoice(_ context.Context, accountID int64, text string, choices []platform.Choice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErr[accountID]; err != nil {
		return err
	}
	f.prompts = append(f.prompts, Prompt{AccountID: accountID, Text: text, Choices: slices.Clone(choices)})
	return nil
}

// ListMembers implements platform.Channel.
func (f *Fake) ListMembers(_ context.Context) ([]platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]platform.Member, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b platform.Member) int {
		switch {
		case a.AccountID < b.AccountID:
			return -1
		case a.AccountID > b.AccountID:
			return 1
		}
		return 0
	})
	return out, nil
}

// AddMember puts an account in the channel.
func (f *Fake) AddMember(m platform.Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[m.AccountID] = m
}

// IsMember reports whether the account is in the channel.
func (f *Fake) IsMember(accountID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.members[accountID]
	return ok
}

// IsActive reports whether a link was created and not revoked.
func (f *Fake) IsActive(link string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[link]
	return ok
}

// ActiveLinks returns the number of unrevoked links.
func (f *Fake) ActiveLinks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

// Created returns links created so far.
func (f *Fake) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.created)
}

// Revoked returns links revoked so far.
func (f *Fake) Revoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.revoked)
}

// Removed returns accounts removed so far.
func (f *Fake) Removed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.removed)
}

// Sent returns messages sent so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

// SentTo returns messages sent to one account.
func (f *Fake) SentTo(accountID int64) []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Sent
	for _, s := range f.sent {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out
}

// Prompts returns inline-choice messages sent so far.
func (f *Fake) Prompts() []Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.prompts)
}

// FailCreate makes CreateSingleUseInvite return err.
func (f *Fake) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// FailRevoke makes RevokeInvite return err.
func (f *Fake) FailRevoke(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeErr = err
}

// DelayRevoke makes RevokeInvite block for d or until its context ends.
func (f *Fake) DelayRevoke(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeDelay = d
}

// FailList makes ListMembers return err.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FailRemove makes RemoveMember for accountID return err.
func (f *Fake) FailRemove(accountID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeErr[accountID] = err
}

// FailSend makes sends to accountID return err.
func (f *Fake) FailSend(accountID int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[accountID] = err
}

// Unreachable returns a classified unreachable error for FailSend.
func Unreachable() error {
	return platform.NewError(platform.KindUnreachable, "send", errors.New("bot was blocked by the user"))
}

// Permission returns a classified permission error for FailRemove.
func Permission() error {
	return platform.NewError(platform.KindPermission, "remove_member", errors.New("not enough rights"))
}
