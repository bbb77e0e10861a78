package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"blog-auth-service/internal/config"
	"blog-auth-service/internal/util"
)

// ErrDeliveryFailed is returned for any non-success response from the mail
// provider. Delivery is attempted once; the caller decides whether the
// operation that needed the mail fails with it.
var ErrDeliveryFailed = errors.New("mail delivery failed")

// ResendMailer sends OTP mail through the Resend HTTP API.
type ResendMailer struct {
	httpClient *http.Client
	apiKey     string
	fromEmail  string
	baseURL    string
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
}

func NewResendMailer(cfg *config.Config) *ResendMailer {
	return &ResendMailer{
		httpClient: &http.Client{Timeout: cfg.Auth.MailTimeout},
		apiKey:     cfg.Mail.APIKey,
		fromEmail:  cfg.Mail.FromEmail,
		baseURL:    cfg.Mail.BaseURL,
	}
}

// SendOTPEmail delivers the login code. The code is interpolated into the
// message body only; it is never logged.
func (m *ResendMailer) SendOTPEmail(ctx context.Context, email, code string, expiresInMinutes int) error {
	payload := sendRequest{
		From:    m.fromEmail,
		To:      []string{email},
		Subject: "Your login code",
		HTML: fmt.Sprintf(
			"<p>Your login code is <strong>%s</strong>.</p><p>It expires in %d minutes. If you did not request it, you can ignore this email.</p>",
			code, expiresInMinutes),
		Text: fmt.Sprintf(
			"Your login code is %s. It expires in %d minutes. If you did not request it, you can ignore this email.",
			code, expiresInMinutes),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode mail payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build mail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		util.Error("Mail provider request failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		util.Error("Mail provider rejected message",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("detail", detail))
		return fmt.Errorf("%w: provider returned status %d", ErrDeliveryFailed, resp.StatusCode)
	}

	util.Debug("OTP mail accepted by provider",
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}
