package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	"github.com/gatekeeperapp/gatekeeper-server/internal/platform"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
)

var adminSecurity = []map[string][]string{{"bearer": {}}}

func (s *Server) registerAdminRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getSubscriber",
		Method:      http.MethodGet,
		Path:        adminPrefix + "/subscribers/{email}",
		Summary:     "Get subscriber",
		Description: "Returns the subscriber record for an email",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleGetSubscriber)

	huma.Register(s.api, huma.Operation{
		OperationID:   "addSubscriber",
		Method:        http.MethodPost,
		Path:          adminPrefix + "/subscribers",
		Summary:       "Add subscriber",
		Description:   "Creates an APPROVED subscriber without a payment",
		Tags:          []string{"Admin"},
		Security:      adminSecurity,
		DefaultStatus: http.StatusCreated,
	}, s.handleAddSubscriber)

	huma.Register(s.api, huma.Operation{
		OperationID: "listSubscribers",
		Method:      http.MethodGet,
		Path:        adminPrefix + "/subscribers",
		Summary:     "List subscribers",
		Description: "Lists active or expired subscribers",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleListSubscribers)

	huma.Register(s.api, huma.Operation{
		OperationID: "banSubscriber",
		Method:      http.MethodPost,
		Path:        adminPrefix + "/subscribers/{email}/ban",
		Summary:     "Ban subscriber",
		Description: "Bans the subscriber, revokes the link and removes them from the channel",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleBanSubscriber)

	huma.Register(s.api, huma.Operation{
		OperationID: "unbanSubscriber",
		Method:      http.MethodPost,
		Path:        adminPrefix + "/subscribers/{email}/unban",
		Summary:     "Unban subscriber",
		Description: "Reactivates the subscriber for a new period and issues a fresh invite link",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleUnbanSubscriber)

	huma.Register(s.api, huma.Operation{
		OperationID: "clearExpired",
		Method:      http.MethodPost,
		Path:        adminPrefix + "/expired/clear",
		Summary:     "Clear expired",
		Description: "Expires every APPROVED subscriber whose period has ended",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleClearExpired)

	huma.Register(s.api, huma.Operation{
		OperationID: "getStats",
		Method:      http.MethodGet,
		Path:        adminPrefix + "/stats",
		Summary:     "Subscriber statistics",
		Description: "Returns counts per status, cached for a few minutes",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleGetStats)

	huma.Register(s.api, huma.Operation{
		OperationID: "broadcast",
		Method:      http.MethodPost,
		Path:        adminPrefix + "/broadcast",
		Summary:     "Broadcast message",
		Description: "Sends content to every reachable subscriber. Progress is streamed on the event stream.",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleBroadcast)

	huma.Register(s.api, huma.Operation{
		OperationID: "listCandidates",
		Method:      http.MethodGet,
		Path:        adminPrefix + "/candidates",
		Summary:     "List removal candidates",
		Description: "Returns channel members without an authorizing record, oldest first",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleListCandidates)

	huma.Register(s.api, huma.Operation{
		OperationID: "checkMembers",
		Method:      http.MethodPost,
		Path:        adminPrefix + "/candidates/check",
		Summary:     "Check channel members",
		Description: "Runs a membership diff now",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleCheckMembers)

	huma.Register(s.api, huma.Operation{
		OperationID: "resolveCandidate",
		Method:      http.MethodPost,
		Path:        adminPrefix + "/candidates/{accountId}/resolve",
		Summary:     "Resolve candidate",
		Description: "Removes or ignores the candidate at the head of the queue",
		Tags:        []string{"Admin"},
		Security:    adminSecurity,
	}, s.handleResolveCandidate)
}

// === DTOs ===

// EmailPathInput selects a subscriber by email.
type EmailPathInput struct {
	Email string `path:"email" doc:"Subscriber email"`
}

// SubscriberOutput wraps a subscriber for Huma.
type SubscriberOutput struct {
	Body *domain.Subscriber
}

// AddSubscriberRequest is the request body for a manual add.
type AddSubscriberRequest struct {
	Email string `json:"email" minLength:"3" maxLength:"254" doc:"Subscriber email"`
}

// AddSubscriberInput wraps the add request for Huma.
type AddSubscriberInput struct {
	Body AddSubscriberRequest
}

// ListSubscribersInput selects the list view.
type ListSubscribersInput struct {
	View string `query:"view" enum:"active,expired" default:"active" doc:"Which list to return"`
}

// SubscriberListResponse contains a subscriber list.
type SubscriberListResponse struct {
	View        string               `json:"view" doc:"active or expired"`
	Count       int                  `json:"count" doc:"Number of subscribers"`
	Subscribers []*domain.Subscriber `json:"subscribers" doc:"Subscribers, oldest first"`
}

// SubscriberListOutput wraps the list for Huma.
type SubscriberListOutput struct {
	Body SubscriberListResponse
}

// UnbanResponse reports a reactivation.
type UnbanResponse struct {
	Subscriber *domain.Subscriber `json:"subscriber"`
	Link       string             `json:"link,omitempty" doc:"New invite link"`
	Messaged   bool               `json:"messaged" doc:"Whether the link was sent to the subscriber"`
	LinkError  string             `json:"link_error,omitempty" doc:"Why no link could be created"`
}

// UnbanOutput wraps the unban response for Huma.
type UnbanOutput struct {
	Body UnbanResponse
}

// ClearOutput wraps an expiry sweep report for Huma.
type ClearOutput struct {
	Body *service.ClearReport
}

// StatsOutput wraps subscriber statistics for Huma.
type StatsOutput struct {
	Body *domain.Stats
}

// BroadcastRequest is the content to fan out.
type BroadcastRequest struct {
	Kind   string `json:"kind" enum:"text,photo,video,document" default:"text" doc:"Content kind"`
	Text   string `json:"text,omitempty" maxLength:"4096" doc:"Message text or media caption"`
	FileID string `json:"file_id,omitempty" doc:"Platform file id for media"`
}

// BroadcastInput wraps the broadcast request for Huma.
type BroadcastInput struct {
	Body BroadcastRequest
}

// BroadcastOutput wraps the delivery report for Huma.
type BroadcastOutput struct {
	Body service.DeliveryReport
}

// CandidatesResponse contains the removal queue.
type CandidatesResponse struct {
	Candidates []domain.Candidate `json:"candidates" doc:"Queue, head first"`
}

// CandidatesOutput wraps the queue for Huma.
type CandidatesOutput struct {
	Body CandidatesResponse
}

// CheckOutput wraps a reconcile report for Huma.
type CheckOutput struct {
	Body *service.ReconcileReport
}

// ResolveRequest is the admin decision.
type ResolveRequest struct {
	Action string `json:"action" enum:"remove,ignore" doc:"remove or ignore the candidate"`
}

// ResolveInput wraps the resolve request for Huma.
type ResolveInput struct {
	AccountID int64 `path:"accountId" doc:"Candidate account id"`
	Body      ResolveRequest
}

// ResolveOutput wraps the resolution for Huma.
type ResolveOutput struct {
	Body *service.Resolution
}

// === Handlers ===

func (s *Server) handleGetSubscriber(ctx context.Context, input *EmailPathInput) (*SubscriberOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	sub, err := s.services.Admin.Search(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	return &SubscriberOutput{Body: sub}, nil
}

func (s *Server) handleAddSubscriber(ctx context.Context, input *AddSubscriberInput) (*SubscriberOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	sub, err := s.services.Admin.AddSubscriber(ctx, input.Body.Email)
	if err != nil {
		return nil, err
	}
	return &SubscriberOutput{Body: sub}, nil
}

func (s *Server) handleListSubscribers(ctx context.Context, input *ListSubscribersInput) (*SubscriberListOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	var (
		subs []*domain.Subscriber
		err  error
	)
	if input.View == "expired" {
		subs, err = s.services.Admin.ListExpired(ctx)
	} else {
		subs, err = s.services.Admin.ListActive(ctx)
	}
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []*domain.Subscriber{}
	}
	return &SubscriberListOutput{Body: SubscriberListResponse{
		View:        input.View,
		Count:       len(subs),
		Subscribers: subs,
	}}, nil
}

func (s *Server) handleBanSubscriber(ctx context.Context, input *EmailPathInput) (*SubscriberOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	sub, err := s.services.Admin.Ban(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	return &SubscriberOutput{Body: sub}, nil
}

func (s *Server) handleUnbanSubscriber(ctx context.Context, input *EmailPathInput) (*UnbanOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	res, err := s.services.Admin.Unban(ctx, input.Email)
	if err != nil {
		return nil, err
	}
	resp := UnbanResponse{
		Subscriber: res.Subscriber,
		Link:       res.Link,
		Messaged:   res.Messaged,
	}
	if res.LinkErr != nil {
		resp.LinkError = res.LinkErr.Error()
	}
	return &UnbanOutput{Body: resp}, nil
}

func (s *Server) handleClearExpired(ctx context.Context, _ *struct{}) (*ClearOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	report, err := s.services.Admin.ClearExpired(ctx)
	if err != nil {
		return nil, err
	}
	return &ClearOutput{Body: report}, nil
}

func (s *Server) handleGetStats(ctx context.Context, _ *struct{}) (*StatsOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	stats, err := s.services.Admin.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsOutput{Body: stats}, nil
}

func (s *Server) handleBroadcast(ctx context.Context, input *BroadcastInput) (*BroadcastOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	content := platform.Content{
		Kind:   platform.ContentKind(input.Body.Kind),
		Text:   input.Body.Text,
		FileID: input.Body.FileID,
	}
	report, err := s.services.Admin.Broadcast(ctx, content, nil)
	if err != nil {
		return nil, err
	}
	return &BroadcastOutput{Body: report}, nil
}

func (s *Server) handleListCandidates(ctx context.Context, _ *struct{}) (*CandidatesOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	pending := s.services.Admin.Candidates()
	if pending == nil {
		pending = []domain.Candidate{}
	}
	return &CandidatesOutput{Body: CandidatesResponse{Candidates: pending}}, nil
}

func (s *Server) handleCheckMembers(ctx context.Context, _ *struct{}) (*CheckOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	report, err := s.services.Admin.Check(ctx)
	if err != nil {
		return nil, err
	}
	return &CheckOutput{Body: report}, nil
}

func (s *Server) handleResolveCandidate(ctx context.Context, input *ResolveInput) (*ResolveOutput, error) {
	if _, err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	res, err := s.services.Admin.Resolve(ctx, input.AccountID, input.Body.Action == "remove")
	if err != nil {
		return nil, err
	}
	return &ResolveOutput{Body: res}, nil
}
