package payments

import (
	"context"
	"errors"
)

// ErrSignatureVerification is returned when a webhook payload fails
// signature verification.
var ErrSignatureVerification = errors.New("payments: webhook signature verification failed")

// IntentRequest captures the payload required to open a payment intent with
// the PSP.
type IntentRequest struct {
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent represents the PSP intent returned to the caller. Status carries the
// provider's native status string; normalisation happens in the service layer.
type Intent struct {
	IntentID     string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	Raw          map[string]any
}

// Event is a verified provider notification about an intent's state.
type Event struct {
	IntentID string
	Type     string
	Status   string
	Raw      map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	LookupIntent(ctx context.Context, intentID string) (Intent, error)
	VerifyWebhook(payload []byte, signature string) (Event, error)
}
