package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntentsAPI struct {
	created *stripe.PaymentIntentParams
	intent  *stripe.PaymentIntent
	getID   string
	err     error
}

func (f *fakeIntentsAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.created = params
	if f.err != nil {
		return nil, f.err
	}
	return f.intent, nil
}

func (f *fakeIntentsAPI) Get(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.getID = id
	if f.err != nil {
		return nil, f.err
	}
	return f.intent, nil
}

func newTestProvider(t *testing.T, intents *fakeIntentsAPI, webhookSecret string) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: webhookSecret,
		Clients:       &StripeClients{Intents: intents},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestStripeProvider_CreateIntent(t *testing.T) {
	fake := &fakeIntentsAPI{
		intent: &stripe.PaymentIntent{
			ID:           "pi_123",
			ClientSecret: "pi_123_secret_abc",
			Amount:       25000,
			Currency:     stripe.CurrencyEUR,
			Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		},
	}
	provider := newTestProvider(t, fake, "whsec_test")

	intent, err := provider.CreateIntent(context.Background(), IntentRequest{
		Amount:         25000,
		Currency:       "EUR",
		IdempotencyKey: "pay_01HZX",
		Metadata:       map[string]string{"order_id": "ord_local_1"},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}

	if intent.IntentID != "pi_123" || intent.ClientSecret != "pi_123_secret_abc" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if intent.Currency != "EUR" {
		t.Fatalf("expected upper-cased currency, got %q", intent.Currency)
	}
	if fake.created == nil {
		t.Fatal("params never sent to provider")
	}
	if got := stripe.StringValue(fake.created.Currency); got != "eur" {
		t.Fatalf("expected lower-cased currency on the wire, got %q", got)
	}
	if fake.created.Metadata["order_id"] != "ord_local_1" {
		t.Fatalf("metadata not forwarded: %v", fake.created.Metadata)
	}
	if key := fake.created.IdempotencyKey; key == nil || *key != "pay_01HZX" {
		t.Fatalf("idempotency key not forwarded: %v", key)
	}
}

func TestStripeProvider_CreateIntent_RejectsNonPositiveAmount(t *testing.T) {
	provider := newTestProvider(t, &fakeIntentsAPI{}, "whsec_test")

	if _, err := provider.CreateIntent(context.Background(), IntentRequest{Amount: 0, Currency: "EUR"}); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestStripeProvider_LookupIntent(t *testing.T) {
	fake := &fakeIntentsAPI{
		intent: &stripe.PaymentIntent{
			ID:       "pi_77",
			Amount:   1200,
			Currency: stripe.CurrencyEUR,
			Status:   stripe.PaymentIntentStatusSucceeded,
		},
	}
	provider := newTestProvider(t, fake, "whsec_test")

	intent, err := provider.LookupIntent(context.Background(), "pi_77")
	if err != nil {
		t.Fatalf("lookup intent: %v", err)
	}
	if fake.getID != "pi_77" {
		t.Fatalf("looked up wrong id: %s", fake.getID)
	}
	if intent.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %q", intent.Status)
	}
}

func signedStripeHeader(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeProvider_VerifyWebhook(t *testing.T) {
	const secret = "whsec_test"
	provider := newTestProvider(t, &fakeIntentsAPI{}, secret)

	payload := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "status": "succeeded", "amount": 25000}}
	}`)

	event, err := provider.VerifyWebhook(payload, signedStripeHeader(secret, payload, time.Now()))
	if err != nil {
		t.Fatalf("verify webhook: %v", err)
	}
	if event.IntentID != "pi_123" {
		t.Fatalf("expected intent pi_123, got %q", event.IntentID)
	}
	if event.Type != "payment_intent.succeeded" || event.Status != "succeeded" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.Raw["amount"] != float64(25000) {
		t.Fatalf("raw payload not preserved: %v", event.Raw)
	}
}

func TestStripeProvider_VerifyWebhook_BadSignature(t *testing.T) {
	provider := newTestProvider(t, &fakeIntentsAPI{}, "whsec_test")

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)

	_, err := provider.VerifyWebhook(payload, signedStripeHeader("whsec_other", payload, time.Now()))
	if !errors.Is(err, ErrSignatureVerification) {
		t.Fatalf("expected signature verification error, got %v", err)
	}
}

func TestStripeProvider_VerifyWebhook_StaleTimestamp(t *testing.T) {
	const secret = "whsec_test"
	provider := newTestProvider(t, &fakeIntentsAPI{}, secret)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)

	_, err := provider.VerifyWebhook(payload, signedStripeHeader(secret, payload, time.Now().Add(-time.Hour)))
	if !errors.Is(err, ErrSignatureVerification) {
		t.Fatalf("expected signature verification error for stale timestamp, got %v", err)
	}
}
