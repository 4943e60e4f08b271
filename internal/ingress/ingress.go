// Package ingress turns payment-provider webhook payloads into normalized
// payment events. Signatures are not verified.
package ingress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

// Provider names.
const (
	ProviderUnifyPay = "unifypay"
	ProviderKirvano  = "kirvano"
)

// Party is the buyer block of a payload.
type Party struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Transaction is the UnifyPay transaction block.
type Transaction struct {
	Status string `json:"status,omitempty"`
}

// Payload is the union of the supported provider formats. UnifyPay sends a
// client block, Kirvano a customer block.
type Payload struct {
	Event       string       `json:"event"`
	Status      string       `json:"status,omitempty"`
	Client      *Party       `json:"client,omitempty"`
	Customer    *Party       `json:"customer,omitempty"`
	Transaction *Transaction `json:"transaction,omitempty"`
}

// status prefers the transaction status over the top-level one.
func (p *Payload) status() string {
	if p.Transaction != nil && p.Transaction.Status != "" {
		return p.Transaction.Status
	}
	return p.Status
}

// Submission is the provider-neutral content of a payload, checked before
// it becomes a payment event.
type Submission struct {
	Event  string `json:"event" validate:"required"`
	Status string `json:"status" validate:"required"`
	Email  string `json:"email" validate:"required,email,max=254"`
	Name   string `json:"name"`
}

// Processor extracts one provider's payloads.
type Processor interface {
	Name() string
	// Detect reports whether the payload came from this provider.
	Detect(p *Payload) bool
	Extract(p *Payload) Submission
}

// Registry tries processors in registration order.
type Registry struct {
	validator  *validation.Validator
	processors []Processor
}

// NewRegistry creates a registry over processors. A nil validator gets the
// default one.
func NewRegistry(v *validation.Validator, processors ...Processor) *Registry {
	if v == nil {
		v = validation.New()
	}
	return &Registry{validator: v, processors: processors}
}

// Default returns the UnifyPay and Kirvano processors, UnifyPay first.
func Default(v *validation.Validator) *Registry {
	return NewRegistry(v, UnifyPay{}, Kirvano{})
}

// Normalize detects the provider and converts the payload. Every failure is
// a validation error so the caller can answer 400 before touching state.
func (r *Registry) Normalize(p *Payload) (domain.PaymentEvent, error) {
	for _, proc := range r.processors {
		if proc.Detect(p) {
			return r.normalize(proc.Name(), proc.Extract(p))
		}
	}
	return domain.PaymentEvent{}, domainerrors.Validation("unknown payment provider")
}

// Decode parses a raw body and normalizes it.
func (r *Registry) Decode(body []byte) (domain.PaymentEvent, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return domain.PaymentEvent{}, domainerrors.Validationf("invalid payload: %v", err)
	}
	return r.Normalize(&p)
}

// eventKinds maps provider event names onto kinds. Both providers share one
// namespace.
var eventKinds = map[string]domain.EventKind{
	"TRANSACTION_PAID":         domain.EventPaid,
	"SALE_APPROVED":            domain.EventPaid,
	"SUBSCRIPTION_RENEWED":     domain.EventRenewed,
	"TRANSACTION_REFUNDED":     domain.EventRefunded,
	"SALE_REFUNDED":            domain.EventRefunded,
	"TRANSACTION_CANCELED":     domain.EventCanceled,
	"TRANSACTION_CHARGED_BACK": domain.EventChargedBack,
	"SALE_CHARGEBACK":          domain.EventChargedBack,
	"SUBSCRIPTION_CANCELED":    domain.EventSubscriptionCanceled,
	"SUBSCRIPTION_EXPIRED":     domain.EventExpired,
}

// KindFor maps a provider event name.
func KindFor(event string) (domain.EventKind, bool) {
	k, ok := eventKinds[strings.ToUpper(strings.TrimSpace(event))]
	return k, ok
}

func (r *Registry) normalize(provider string, sub Submission) (domain.PaymentEvent, error) {
	if err := r.validator.Validate(&sub); err != nil {
		return domain.PaymentEvent{}, err
	}

	kind, ok := KindFor(sub.Event)
	if !ok {
		return domain.PaymentEvent{}, domainerrors.Validation(fmt.Sprintf("unsupported event: %s", sub.Event)).
			WithDetails(map[string]string{"event": sub.Event})
	}

	return domain.PaymentEvent{
		Kind:        kind,
		Email:       sub.Email,
		RawStatus:   domain.NormalizeRawStatus(sub.Status),
		DisplayName: sub.Name,
		Provider:    provider,
	}, nil
}

func extract(p *Payload, party *Party) Submission {
	return Submission{
		Event:  strings.TrimSpace(p.Event),
		Status: strings.TrimSpace(p.status()),
		Email:  strings.ToLower(strings.TrimSpace(party.Email)),
		Name:   strings.TrimSpace(party.Name),
	}
}

// UnifyPay handles payloads with a client block.
type UnifyPay struct{}

// Name implements Processor.
func (UnifyPay) Name() string { return ProviderUnifyPay }

// Detect implements Processor.
func (UnifyPay) Detect(p *Payload) bool { return p.Client != nil }

// Extract implements Processor.
func (UnifyPay) Extract(p *Payload) Submission { return extract(p, p.Client) }

// Kirvano handles payloads with a customer block.
type Kirvano struct{}

// Name implements Processor.
func (Kirvano) Name() string { return ProviderKirvano }

// Detect implements Processor.
func (Kirvano) Detect(p *Payload) bool { return p.Customer != nil }

// Extract implements Processor.
func (Kirvano) Extract(p *Payload) Submission { return extract(p, p.Customer) }
