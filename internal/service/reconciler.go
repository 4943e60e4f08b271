package service

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/sse"
	"github.com/gatekeeperapp/gatekeeper-server/internal/store"
	"github.com/gatekeeperapp/gatekeeper-server/internal/templates"
)

// Callback data prefixes for candidate prompts.
const (
	CallbackRemove = "remove_"
	CallbackIgnore = "ignore_"
)

// Candidate resolutions.
const (
	ActionRemoved = "removed"
	ActionIgnored = "ignored"
)

// ReconcileReport describes one membership diff.
type ReconcileReport struct {
	Members    int                `json:"members"`
	New        int                `json:"new"`
	Authorized int                `json:"authorized"`
	Queued     []domain.Candidate `json:"queued"`
	QueueDepth int                `json:"queue_depth"`
	Seeded     bool               `json:"seeded"`
}

// Resolution describes an admin decision on the head candidate.
type Resolution struct {
	Candidate domain.Candidate  `json:"candidate"`
	Action    string            `json:"action"`
	Next      *domain.Candidate `json:"next,omitempty"`
}

// Reconciler detects channel members with no authorizing record and queues
// them for the admin one at a time. The admin sees at most one outstanding
// prompt: a prompt is sent when the queue goes from empty to one, and the
// next one only after the head is resolved.
type Reconciler struct {
	store     store.Store
	channel   platform.Channel
	templates *templates.Set
	emitter   store.EventEmitter
	logger    *slog.Logger
	adminID   int64
	now       func() time.Time

	// runMu serializes Tick and Check; mu guards the state below.
	runMu    sync.Mutex
	mu       sync.Mutex
	seeded   bool
	snapshot map[int64]struct{}
	queue    []domain.Candidate
}

// NewReconciler creates a reconciler with an empty snapshot.
func NewReconciler(
	store store.Store,
	channel platform.Channel,
	tmpl *templates.Set,
	emitter store.EventEmitter,
	logger *slog.Logger,
	adminID int64,
) *Reconciler {
	return &Reconciler{
		store:     store,
		channel:   channel,
		templates: tmpl,
		emitter:   emitter,
		logger:    logger,
		adminID:   adminID,
		now:       time.Now,
		snapshot:  make(map[int64]struct{}),
	}
}

// Tick diffs the channel against the last snapshot. Authorized newcomers get
// their link marked used; the rest are queued. The first tick only seeds the
// snapshot.
func (r *Reconciler) Tick(ctx context.Context) (*ReconcileReport, error) {
	return r.run(ctx, true)
}

// Check runs the same diff on demand without touching link state.
func (r *Reconciler) Check(ctx context.Context) (*ReconcileReport, error) {
	return r.run(ctx, false)
}

func (r *Reconciler) run(ctx context.Context, markUsed bool) (*ReconcileReport, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	members, err := r.channel.ListMembers(ctx)
	if err != nil {
		return nil, platformError(err, "list channel members")
	}

	current := make(map[int64]struct{}, len(members))
	for _, m := range members {
		current[m.AccountID] = struct{}{}
	}

	r.mu.Lock()
	if !r.seeded {
		r.snapshot = current
		r.seeded = true
		depth := len(r.queue)
		r.mu.Unlock()
		r.logger.Info("membership snapshot seeded", "members", len(members))
		return &ReconcileReport{Members: len(members), QueueDepth: depth, Seeded: true}, nil
	}
	previous := r.snapshot
	r.mu.Unlock()

	report := &ReconcileReport{Members: len(members)}
	self := r.channel.SelfID()
	var unauthorized []domain.Candidate

	for _, m := range members {
		if _, seen := previous[m.AccountID]; seen {
			continue
		}
		if m.AccountID == self {
			continue
		}
		report.New++

		sub, err := r.store.GetByAccountID(ctx, m.AccountID)
		switch {
		case err == nil && sub.Authorized():
			report.Authorized++
			if markUsed {
				if err := r.store.MarkLinkUsed(ctx, m.AccountID); err != nil {
					r.logger.Warn("failed to mark link used", "account_id", m.AccountID, "error", err)
				}
			}
		case err == nil || store.IsNotFound(err):
			unauthorized = append(unauthorized, domain.Candidate{
				AccountID:   m.AccountID,
				DisplayName: m.DisplayName,
				Handle:      m.Handle,
				EnqueuedAt:  r.now(),
			})
		default:
			r.logger.Error("failed to validate new member", "account_id", m.AccountID, "error", err)
		}
	}

	r.mu.Lock()
	r.snapshot = current
	wasEmpty := len(r.queue) == 0
	for _, c := range unauthorized {
		if r.queuedLocked(c.AccountID) {
			continue
		}
		r.queue = append(r.queue, c)
		report.Queued = append(report.Queued, c)
	}
	report.QueueDepth = len(r.queue)
	var head *domain.Candidate
	if wasEmpty && len(r.queue) > 0 {
		h := r.queue[0]
		head = &h
	}
	r.mu.Unlock()

	for i, c := range report.Queued {
		r.emitter.Emit(sse.NewCandidateQueuedEvent(c, report.QueueDepth-len(report.Queued)+i+1))
	}
	if head != nil {
		r.prompt(ctx, *head)
	}

	if report.New > 0 {
		r.logger.Info("membership diff",
			"members", report.Members,
			"new", report.New,
			"authorized", report.Authorized,
			"queued", len(report.Queued),
			"queue_depth", report.QueueDepth,
		)
	}
	return report, nil
}

// Resolve applies the admin decision to the head candidate. accountID must be
// the head; approve removes the member from the channel.
func (r *Reconciler) Resolve(ctx context.Context, accountID int64, approve bool) (*Resolution, error) {
	r.mu.Lock()
	if len(r.queue) == 0 || r.queue[0].AccountID != accountID {
		r.mu.Unlock()
		return nil, domainerrors.Conflict("candidate is not awaiting a decision")
	}
	candidate := r.queue[0]
	r.mu.Unlock()

	action := ActionIgnored
	if approve {
		action = ActionRemoved
		if err := r.channel.RemoveMember(ctx, accountID); err != nil && platform.KindOf(err) != platform.KindNotMember {
			r.logger.Error("failed to remove candidate", "account_id", accountID, "error", err)
			return nil, platformError(err, "remove candidate from channel")
		}
	}

	r.mu.Lock()
	if len(r.queue) == 0 || r.queue[0].AccountID != accountID {
		r.mu.Unlock()
		return nil, domainerrors.Conflict("candidate was resolved concurrently")
	}
	r.queue = r.queue[1:]
	if approve {
		// A removed account that rejoins is detected again.
		delete(r.snapshot, accountID)
	}
	depth := len(r.queue)
	var next *domain.Candidate
	if depth > 0 {
		n := r.queue[0]
		next = &n
	}
	r.mu.Unlock()

	r.logger.Info("candidate resolved", "account_id", accountID, "action", action, "queue_depth", depth)
	r.emitter.Emit(sse.NewCandidateResolvedEvent(candidate, action, depth))

	if next != nil {
		r.prompt(ctx, *next)
	} else if r.adminID != 0 {
		text := r.templates.MustRender(templates.NoMoreCandidates, templates.Data{})
		if err := r.channel.Send(ctx, r.adminID, platform.Text(text)); err != nil {
			r.logger.Warn("failed to notify admin", "error", err)
		}
	}

	return &Resolution{Candidate: candidate, Action: action, Next: next}, nil
}

// Pending returns a copy of the queue, head first.
func (r *Reconciler) Pending() []domain.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Candidate, len(r.queue))
	copy(out, r.queue)
	return out
}

func (r *Reconciler) queuedLocked(accountID int64) bool {
	for _, c := range r.queue {
		if c.AccountID == accountID {
			return true
		}
	}
	return false
}

func (r *Reconciler) prompt(ctx context.Context, c domain.Candidate) {
	if r.adminID == 0 {
		return
	}
	text := r.templates.MustRender(templates.CandidatePrompt, templates.Data{
		Name:    c.Label(),
		Account: c.AccountID,
	})
	id := strconv.FormatInt(c.AccountID, 10)
	choices := []platform.Choice{
		{Label: "✅ Remove", Data: CallbackRemove + id},
		{Label: "❌ Ignore", Data: CallbackIgnore + id},
	}
	if err := r.channel.SendChoice(ctx, r.adminID, text, choices); err != nil {
		r.logger.Warn("failed to prompt admin", "account_id", c.AccountID, "error", err)
	}
}

// ParseCallback decodes candidate prompt callback data.
func ParseCallback(data string) (accountID int64, approve bool, ok bool) {
	var raw string
	switch {
	case strings.HasPrefix(data, CallbackRemove):
		raw, approve = strings.TrimPrefix(data, CallbackRemove), true
	case strings.HasPrefix(data, CallbackIgnore):
		raw = strings.TrimPrefix(data, CallbackIgnore)
	default:
		return 0, false, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, false
	}
	return id, approve, true
}
