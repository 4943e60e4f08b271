package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeeperapp/gatekeeper-server/internal/domain"
	domainerrors "github.com/gatekeeperapp/gatekeeper-server/internal/errors"
	"github.com/gatekeeperapp/gatekeeper-server/internal/validation"
)

func newRegistry() *Registry { return Default(validation.New()) }

func TestDecode_UnifyPay(t *testing.T) {
	body := `{"event":"TRANSACTION_PAID","client":{"name":"Ana","email":" Ana@Mail.com "},"transaction":{"status":"COMPLETED"}}`

	ev, err := newRegistry().Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEvent{
		Kind:        domain.EventPaid,
		Email:       "ana@mail.com",
		RawStatus:   "APPROVED",
		DisplayName: "Ana",
		Provider:    ProviderUnifyPay,
	}, ev)
}

func TestDecode_Kirvano(t *testing.T) {
	body := `{"event":"SALE_CHARGEBACK","status":"chargeback","customer":{"name":"Bo","email":"bo@mail.com"}}`

	ev, err := newRegistry().Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, domain.EventChargedBack, ev.Kind)
	assert.Equal(t, "CHARGEBACK", ev.RawStatus)
	assert.Equal(t, ProviderKirvano, ev.Provider)
}

func TestDecode_ClientWinsOverCustomer(t *testing.T) {
	body := `{"event":"SALE_APPROVED","status":"APPROVED","client":{"email":"c@mail.com"},"customer":{"email":"k@mail.com"}}`

	ev, err := newRegistry().Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, ProviderUnifyPay, ev.Provider)
	assert.Equal(t, "c@mail.com", ev.Email)
}

func TestKindFor_AllEvents(t *testing.T) {
	tests := map[string]domain.EventKind{
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
	for event, want := range tests {
		t.Run(event, func(t *testing.T) {
			got, ok := KindFor(event)
			require.True(t, ok)
			assert.Equal(t, want, got)
		})
	}
	_, ok := KindFor("PIX_GENERATED")
	assert.False(t, ok)
}

func TestDecode_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown provider", `{"event":"TRANSACTION_PAID","status":"PAID"}`},
		{"missing event", `{"status":"PAID","client":{"email":"a@b.com"}}`},
		{"missing status", `{"event":"TRANSACTION_PAID","client":{"email":"a@b.com"}}`},
		{"missing email", `{"event":"TRANSACTION_PAID","status":"PAID","client":{"name":"x"}}`},
		{"malformed email", `{"event":"TRANSACTION_PAID","status":"APPROVED","client":{"email":"not an email"}}`},
		{"blank event", `{"event":"   ","status":"PAID","client":{"email":"a@b.com"}}`},
		{"unknown event", `{"event":"PIX_GENERATED","status":"PENDING","client":{"email":"a@b.com"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newRegistry().Decode([]byte(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, domainerrors.ErrValidation)
		})
	}
}

func TestDecode_ReportsMissingFields(t *testing.T) {
	_, err := newRegistry().Decode([]byte(`{"client":{}}`))
	var derr *domainerrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, map[string]string{
		"event":  "is required",
		"status": "is required",
		"email":  "is required",
	}, derr.Details)
}

func TestDecode_ReportsMalformedEmail(t *testing.T) {
	_, err := newRegistry().Decode([]byte(`{"event":"SALE_APPROVED","status":"APPROVED","customer":{"email":"buyer@"}}`))
	var derr *domainerrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domainerrors.CodeValidation, derr.Code)
	assert.Equal(t, map[string]string{"email": "must be a valid email address"}, derr.Details)
}
