package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/service"
)

func (s *Server) registerWebhookRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "receivePayment",
		Method:        http.MethodPost,
		Path:          webhookPath,
		Summary:       "Payment webhook",
		Description:   "Receives UnifyPay and Kirvano payment notifications and applies them to the subscriber",
		Tags:          []string{"Webhooks"},
		MaxBodyBytes:  1 << 20,
		DefaultStatus: http.StatusOK,
	}, s.handlePaymentWebhook)
}

// === DTOs ===

// WebhookInput carries the raw provider payload. Providers disagree on shape,
// so the body is decoded by the ingress registry rather than huma.
type WebhookInput struct {
	RawBody []byte
}

// WebhookResponse reports what a delivery did.
type WebhookResponse struct {
	DeliveryID string                  `json:"delivery_id" doc:"Correlation id for logs"`
	Provider   string                  `json:"provider" doc:"Detected payment provider"`
	Event      string                  `json:"event" doc:"Normalized event kind"`
	Outcome    string                  `json:"outcome" doc:"approved, renewed, revoked or ignored"`
	Status     domain.Status           `json:"status,omitempty" doc:"Subscriber status after the event"`
	Created    bool                    `json:"created" doc:"Whether a subscriber record was created"`
	Delivery   *service.DeliveryReport `json:"delivery,omitempty" doc:"Notification counts for status-wide notices"`
	Warning    string                  `json:"warning,omitempty" doc:"Set when state was applied but the channel refused an action"`
}

// WebhookOutput wraps the webhook response for Huma.
type WebhookOutput struct {
	Body WebhookResponse
}

// === Handlers ===

func (s *Server) handlePaymentWebhook(ctx context.Context, input *WebhookInput) (*WebhookOutput, error) {
	deliveryID := uuid.NewString()
	logger := s.logger.With("delivery_id", deliveryID)

	ev, err := s.services.Ingress.Decode(input.RawBody)
	if err != nil {
		logger.Warn("rejected payment webhook", "error", err)
		return nil, err
	}
	logger = logger.With("provider", ev.Provider, "event", ev.Kind, "email", ev.Email)

	result, err := s.services.Lifecycle.ApplyPayment(ctx, ev)
	if result != nil {
		s.services.Admin.Invalidate()
	}
	if err != nil {
		// The record was updated but the channel refused the removal; the
		// admin has been alerted and a provider retry would change nothing.
		if result != nil && domainerrors.Is(err, domainerrors.ErrPlatformPermanent) {
			logger.Warn("payment applied with channel error", "error", err)
			out := webhookResponse(deliveryID, ev, result)
			out.Warning = err.Error()
			return &WebhookOutput{Body: out}, nil
		}
		logger.Error("payment webhook failed", "error", err)
		return nil, err
	}

	logger.Info("payment webhook applied", "outcome", result.Outcome)
	return &WebhookOutput{Body: webhookResponse(deliveryID, ev, result)}, nil
}

func webhookResponse(deliveryID string, ev domain.PaymentEvent, result *service.ApplyResult) WebhookResponse {
	resp := WebhookResponse{
		DeliveryID: deliveryID,
		Provider:   ev.Provider,
		Event:      string(ev.Kind),
		Outcome:    string(result.Outcome),
		Created:    result.Created,
		Delivery:   result.Delivery,
	}
	if result.Subscriber != nil {
		resp.Status = result.Subscriber.Status
	}
	return resp
}
