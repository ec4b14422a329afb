package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const defaultWebhookSignatureHeader = "X-Razorpay-Signature"

// SecretProvider resolves shared secrets used for webhook signature validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// WebhookValidator verifies HMAC-SHA256 signatures on payment gateway webhooks.
// The signature is a hex digest of the raw request body keyed by a shared secret.
type WebhookValidator struct {
	provider SecretProvider
	logger   *zap.Logger

	signatureHeader string

	secretCache sync.Map
}

// WebhookOption customises the validator.
type WebhookOption func(*WebhookValidator)

// NewWebhookValidator builds a validator using the given secret provider.
func NewWebhookValidator(provider SecretProvider, opts ...WebhookOption) *WebhookValidator {
	validator := &WebhookValidator{
		provider:        provider,
		logger:          zap.NewNop(),
		signatureHeader: defaultWebhookSignatureHeader,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}

	return validator
}

// WithWebhookLogger overrides the validator logger.
func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(v *WebhookValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithWebhookSignatureHeader customises the header carrying the signature.
func WithWebhookSignatureHeader(name string) WebhookOption {
	return func(v *WebhookValidator) {
		if name != "" {
			v.signatureHeader = name
		}
	}
}

// RequireSignature enforces a valid webhook signature on the request. The body is
// restored after hashing so downstream handlers can decode it normally.
func (v *WebhookValidator) RequireSignature(secretName string) func(http.Handler) http.Handler {
	scopedSecret := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if scopedSecret == "" {
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "webhook secret not configured")
				return
			}

			secret, err := v.loadSecret(ctx, scopedSecret)
			if err != nil {
				v.logger.Warn("webhook secret lookup failed", zap.Error(err))
				respondAuthError(w, http.StatusServiceUnavailable, "verification_unavailable", "webhook secret unavailable")
				return
			}

			signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
			if signatureValue == "" {
				respondAuthError(w, http.StatusUnauthorized, "signature_missing", "signature header missing")
				return
			}

			signature, err := hex.DecodeString(signatureValue)
			if err != nil {
				respondAuthError(w, http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
				return
			}

			bodyBytes, err := readAndRestoreBody(r)
			if err != nil {
				respondAuthError(w, http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
				return
			}

			mac := hmac.New(sha256.New, secret)
			mac.Write(bodyBytes)
			if !hmac.Equal(signature, mac.Sum(nil)) {
				respondAuthError(w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (v *WebhookValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secretCache.Store(name, secret)
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}
