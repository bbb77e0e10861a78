package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/model"
	redisrepo "blog-auth-service/internal/repository/redis"
	"blog-auth-service/internal/token"
	"blog-auth-service/internal/util"
)

var (
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrRateLimitExceeded   = model.ErrRateLimitExceeded
	ErrEmailDeliveryFailed = errors.New("email delivery failed")
	// ErrInvalidCode covers wrong codes, burned codes and addresses with no
	// pending challenge. One error for all three keeps responses from
	// leaking which addresses have codes in flight.
	ErrInvalidCode  = errors.New("invalid code")
	ErrCodeExpired  = errors.New("code expired")
	ErrTokenInvalid = token.ErrTokenInvalid
	ErrTokenExpired = token.ErrTokenExpired
	ErrUserNotFound = errors.New("user not found")
)

// AuthService implements passwordless login: OTP issuance and verification,
// token rotation and post view counting. All persistence goes through the
// repository interfaces so the flows are testable without live stores.
type AuthService struct {
	codes   model.AuthCodeRepository
	tokens  model.RefreshTokenRepository
	users   model.UserRepository
	limiter model.RateLimiter
	views   model.ViewStore
	mailer  model.Mailer
	events  model.EventRecorder
	hasher  *hashing.Hasher
	issuer  *token.Issuer
	cfg     *config.Config
	now     func() time.Time
}

func NewAuthService(
	codes model.AuthCodeRepository,
	tokens model.RefreshTokenRepository,
	users model.UserRepository,
	limiter model.RateLimiter,
	views model.ViewStore,
	mailer model.Mailer,
	events model.EventRecorder,
	hasher *hashing.Hasher,
	issuer *token.Issuer,
	cfg *config.Config,
) *AuthService {
	return &AuthService{
		codes:   codes,
		tokens:  tokens,
		users:   users,
		limiter: limiter,
		views:   views,
		mailer:  mailer,
		events:  events,
		hasher:  hasher,
		issuer:  issuer,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RequestOTP issues a fresh login code for the address and mails it. Issuing
// a new code invalidates every earlier pending code for the same address, so
// at most one challenge is live at a time. The rate limit counts the attempt
// even when the request ultimately fails.
func (s *AuthService) RequestOTP(ctx context.Context, email, ip, userAgent string) error {
	normalized := util.NormalizeEmail(email)
	if !util.IsValidEmail(normalized) {
		return ErrInvalidEmail
	}

	window := s.cfg.Auth.OTPRequestWindow()
	if err := s.limiter.Enforce(ctx, redisrepo.EmailKey(normalized), s.cfg.Auth.OTPRequestLimitPerEmail, window); err != nil {
		return err
	}
	if err := s.limiter.Enforce(ctx, redisrepo.IPKey(ip), s.cfg.Auth.OTPRequestLimitPerIP, window); err != nil {
		return err
	}

	code, err := hashing.GenerateOTPCode(s.cfg.Auth.OTPCodeLength)
	if err != nil {
		return fmt.Errorf("failed to generate otp code: %w", err)
	}

	now := s.now()
	authCode := &model.AuthCode{
		ID:                 uuid.New().String(),
		Email:              normalized,
		CodeHash:           s.hasher.HashOTPCode(code, normalized),
		ExpiresAt:          now.Add(s.cfg.Auth.OTPTTL()),
		CreatedAt:          now,
		RequestFingerprint: s.hasher.RequestFingerprint(normalized, ip),
		UserAgent:          userAgent,
	}
	if err := s.codes.Create(ctx, authCode); err != nil {
		return err
	}

	// The code row stays behind when delivery fails. The client retries the
	// whole request and the retry's Create invalidates this one.
	if err := s.mailer.SendOTPEmail(ctx, normalized, code, s.cfg.Auth.OTPTTLMinutes); err != nil {
		util.Error("Failed to deliver otp email", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrEmailDeliveryFailed, err)
	}

	s.events.Record(ctx, model.SecurityEvent{
		Type:      model.EventOTPRequested,
		Email:     normalized,
		IP:        ip,
		UserAgent: userAgent,
		At:        now,
	})

	return nil
}

// VerifyOTP checks the submitted code against the newest pending challenge.
// On success the challenge is consumed, the account is created on first
// login, and a fresh token pair is issued. A wrong code burns one attempt;
// the challenge dies after the retry limit.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code, ip, userAgent string) (*model.User, *model.TokenPair, error) {
	normalized := util.NormalizeEmail(email)
	if !util.IsValidEmail(normalized) {
		return nil, nil, ErrInvalidEmail
	}

	pending, err := s.codes.LatestPending(ctx, normalized)
	if err != nil {
		return nil, nil, err
	}
	if pending == nil {
		return nil, nil, ErrInvalidCode
	}

	now := s.now()
	if !pending.ExpiresAt.After(now) {
		return nil, nil, ErrCodeExpired
	}

	if !hashing.ConstantTimeEqual(pending.CodeHash, s.hasher.HashOTPCode(code, normalized)) {
		return nil, nil, s.failAttempt(ctx, pending, ip, userAgent)
	}

	if err := s.codes.MarkConsumed(ctx, pending); err != nil {
		return nil, nil, err
	}

	user, err := s.users.GetByEmail(ctx, normalized)
	if err != nil {
		return nil, nil, err
	}
	if user == nil {
		// First login creates the account; onboarding completes later.
		user = &model.User{
			ID:                  uuid.New().String(),
			Email:               normalized,
			OnboardingCompleted: false,
		}
		if err := s.users.Create(ctx, user); err != nil {
			return nil, nil, err
		}
	}

	pair, err := s.issuePair(ctx, user, "")
	if err != nil {
		return nil, nil, err
	}

	s.events.Record(ctx, model.SecurityEvent{
		Type:      model.EventOTPVerified,
		Email:     normalized,
		UserID:    user.ID,
		SessionID: pair.SessionID,
		IP:        ip,
		UserAgent: userAgent,
		At:        now,
	})

	return user, pair, nil
}

func (s *AuthService) failAttempt(ctx context.Context, pending *model.AuthCode, ip, userAgent string) error {
	if err := s.codes.IncrementAttempts(ctx, pending); err != nil {
		return err
	}

	eventType := model.EventOTPInvalid
	if pending.AttemptCount >= s.cfg.Auth.OTPRetryLimit {
		if err := s.codes.MarkConsumed(ctx, pending); err != nil {
			return err
		}
		eventType = model.EventOTPBurned
	}

	s.events.Record(ctx, model.SecurityEvent{
		Type:      eventType,
		Email:     pending.Email,
		IP:        ip,
		UserAgent: userAgent,
		At:        s.now(),
	})

	return ErrInvalidCode
}

// Refresh rotates a session: the presented token is revoked and replaced by
// a new pair linked to it. Presenting a revoked or unknown token fails the
// same way as garbage, and concurrent rotations of one token produce exactly
// one successor.
func (s *AuthService) Refresh(ctx context.Context, rawToken, ip, userAgent string) (*model.TokenPair, error) {
	claims, err := s.issuer.Decode(rawToken)
	if err != nil {
		return nil, err
	}
	if claims.Type != token.TypeRefresh {
		return nil, ErrTokenInvalid
	}

	record, err := s.tokens.LookupActive(ctx, s.hasher.HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if record == nil {
		s.events.Record(ctx, model.SecurityEvent{
			Type:      model.EventTokenReuseRejected,
			UserID:    claims.Subject,
			SessionID: claims.ID,
			IP:        ip,
			UserAgent: userAgent,
			At:        s.now(),
		})
		return nil, ErrTokenInvalid
	}

	applied, err := s.tokens.Revoke(ctx, record)
	if err != nil {
		return nil, err
	}
	if !applied {
		// Another request rotated this token first.
		s.events.Record(ctx, model.SecurityEvent{
			Type:      model.EventTokenReuseRejected,
			UserID:    record.UserID,
			SessionID: record.ID,
			IP:        ip,
			UserAgent: userAgent,
			At:        s.now(),
		})
		return nil, ErrTokenInvalid
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	pair, err := s.issuePair(ctx, user, record.ID)
	if err != nil {
		return nil, err
	}

	s.events.Record(ctx, model.SecurityEvent{
		Type:      model.EventTokenRotated,
		UserID:    user.ID,
		SessionID: pair.SessionID,
		IP:        ip,
		UserAgent: userAgent,
		At:        s.now(),
	})

	return pair, nil
}

// Logout revokes the presented session. It is idempotent: unknown, expired
// and already-revoked tokens all come back success.
func (s *AuthService) Logout(ctx context.Context, rawToken, ip, userAgent string) error {
	claims, err := s.issuer.Decode(rawToken)
	if err != nil || claims.Type != token.TypeRefresh {
		return nil
	}

	record, err := s.tokens.LookupActive(ctx, s.hasher.HashToken(rawToken))
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	applied, err := s.tokens.Revoke(ctx, record)
	if err != nil {
		return err
	}
	if applied {
		s.events.Record(ctx, model.SecurityEvent{
			Type:      model.EventSessionRevoked,
			UserID:    record.UserID,
			SessionID: record.ID,
			IP:        ip,
			UserAgent: userAgent,
			At:        s.now(),
		})
	}

	return nil
}

// RecordPostView counts a view once per viewer per dedup window. A valid
// access token identifies the viewer by account, so a logged-in reader who
// switches networks or browsers is still one viewer. Anonymous viewers fall
// back to a fingerprint of source address and user agent, never stored PII.
func (s *AuthService) RecordPostView(ctx context.Context, postID, accessToken, ip, userAgent string) (bool, error) {
	fingerprint := s.hasher.Fingerprint(ip, userAgent)
	if accessToken != "" {
		if claims, err := s.issuer.Decode(accessToken); err == nil && claims.Type == token.TypeAccess {
			fingerprint = claims.Subject
		}
	}

	ttl := time.Duration(s.cfg.Auth.ViewDedupTTLSeconds) * time.Second
	return s.views.RecordView(ctx, postID, fingerprint, ttl)
}

// issuePair mints an access/refresh pair and persists the refresh record
// under its digest. rotatedFrom links a rotation to its predecessor; the
// empty string marks a chain root.
func (s *AuthService) issuePair(ctx context.Context, user *model.User, rotatedFrom string) (*model.TokenPair, error) {
	sessionID := uuid.New().String()

	refreshRaw, err := s.issuer.IssueRefresh(user.ID, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &model.RefreshToken{
		ID:          sessionID,
		UserID:      user.ID,
		TokenHash:   s.hasher.HashToken(refreshRaw),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.JWT.RefreshTTL()),
		RotatedFrom: rotatedFrom,
	}
	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, err
	}

	accessRaw, err := s.issuer.IssueAccess(user.ID)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{
		AccessToken:  accessRaw,
		RefreshToken: refreshRaw,
		SessionID:    sessionID,
	}, nil
}
