package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"blog-auth-service/internal/config"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/model"
	"blog-auth-service/internal/token"
)

// ---------- in-memory fakes ----------

type fakeCodeRepo struct {
	mu    sync.Mutex
	codes []*model.AuthCode
}

func (f *fakeCodeRepo) Create(ctx context.Context, code *model.AuthCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.Email == code.Email && !c.Consumed {
			c.Consumed = true
		}
	}
	f.codes = append(f.codes, code)
	return nil
}

func (f *fakeCodeRepo) LatestPending(ctx context.Context, email string) (*model.AuthCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *model.AuthCode
	for _, c := range f.codes {
		if c.Email == email && !c.Consumed {
			if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
				latest = c
			}
		}
	}
	return latest, nil
}

func (f *fakeCodeRepo) IncrementAttempts(ctx context.Context, code *model.AuthCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	code.AttemptCount++
	return nil
}

func (f *fakeCodeRepo) MarkConsumed(ctx context.Context, code *model.AuthCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	code.Consumed = true
	now := time.Now().UTC()
	code.ConsumedAt = &now
	return nil
}

func (f *fakeCodeRepo) pendingCount(email string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.codes {
		if c.Email == email && !c.Consumed {
			n++
		}
	}
	return n
}

type fakeTokenRepo struct {
	mu     sync.Mutex
	byHash map[string]*model.RefreshToken
	now    func() time.Time
}

func (f *fakeTokenRepo) Create(ctx context.Context, t *model.RefreshToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHash[t.TokenHash] = t
	return nil
}

func (f *fakeTokenRepo) LookupActive(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byHash[tokenHash]
	if !ok || !t.Usable(f.now()) {
		return nil, nil
	}
	return t, nil
}

func (f *fakeTokenRepo) Revoke(ctx context.Context, t *model.RefreshToken) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.byHash[t.TokenHash]
	if !ok || stored.Revoked {
		return false, nil
	}
	stored.Revoked = true
	now := f.now()
	stored.RevokedAt = &now
	return true, nil
}

type fakeUserRepo struct {
	mu      sync.Mutex
	byID    map[string]*model.User
	byEmail map[string]*model.User
}

func (f *fakeUserRepo) Create(ctx context.Context, u *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[u.ID] = u
	f.byEmail[u.Email] = u
	return nil
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeUserRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byEmail[email], nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeLimiter) Enforce(ctx context.Context, key string, limit int, window time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	if f.counts[key] > limit {
		return model.ErrRateLimitExceeded
	}
	return nil
}

type fakeViewStore struct {
	mu      sync.Mutex
	markers map[string]bool
}

func (f *fakeViewStore) RecordView(ctx context.Context, postID, fingerprint string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := postID + ":" + fingerprint
	if f.markers[key] {
		return false, nil
	}
	f.markers[key] = true
	return true, nil
}

type sentMail struct {
	email string
	code  string
}

type fakeMailer struct {
	mu       sync.Mutex
	sent     []sentMail
	failNext bool
}

func (f *fakeMailer) SendOTPEmail(ctx context.Context, email, code string, expiresInMinutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("provider unavailable")
	}
	f.sent = append(f.sent, sentMail{email: email, code: code})
	return nil
}

func (f *fakeMailer) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].code
}

type captureRecorder struct {
	mu     sync.Mutex
	events []model.SecurityEvent
}

func (c *captureRecorder) Record(ctx context.Context, event model.SecurityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureRecorder) types() []model.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// ---------- harness ----------

type testEnv struct {
	svc    *AuthService
	codes  *fakeCodeRepo
	tokens *fakeTokenRepo
	users  *fakeUserRepo
	limits *fakeLimiter
	views  *fakeViewStore
	mailer *fakeMailer
	rec    *captureRecorder
	issuer *token.Issuer
	cfg    *config.Config

	mu  sync.Mutex
	now time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *testEnv) currentTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.Auth.OTPCodeLength = 6
	cfg.Auth.OTPTTLMinutes = 10
	cfg.Auth.OTPRetryLimit = 5
	cfg.Auth.OTPRequestLimitPerEmail = 3
	cfg.Auth.OTPRequestLimitPerIP = 5
	cfg.Auth.OTPRequestWindowMinutes = 30
	cfg.Auth.ViewDedupTTLSeconds = 3600
	cfg.JWT.AccessTTLMinutes = 15
	cfg.JWT.RefreshTTLDays = 30

	issuer, err := token.NewIssuer("service-test-secret", "HS256", "blog-auth-service", 15*time.Minute, 30*24*time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		codes:  &fakeCodeRepo{},
		users:  &fakeUserRepo{byID: map[string]*model.User{}, byEmail: map[string]*model.User{}},
		limits: &fakeLimiter{counts: map[string]int{}},
		views:  &fakeViewStore{markers: map[string]bool{}},
		mailer: &fakeMailer{},
		rec:    &captureRecorder{},
		issuer: issuer,
		cfg:    cfg,
		now:    time.Now().UTC(),
	}
	env.tokens = &fakeTokenRepo{byHash: map[string]*model.RefreshToken{}, now: env.currentTime}

	env.svc = NewAuthService(env.codes, env.tokens, env.users, env.limits, env.views,
		env.mailer, env.rec, hashing.NewHasher("service-test-secret"), issuer, cfg)
	env.svc.now = env.currentTime

	return env
}

func requestAndVerify(t *testing.T, env *testEnv, email string) (*model.User, *model.TokenPair) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.svc.RequestOTP(ctx, email, "203.0.113.7", "test-agent"))
	user, pair, err := env.svc.VerifyOTP(ctx, email, env.mailer.lastCode(), "203.0.113.7", "test-agent")
	require.NoError(t, err)
	return user, pair
}

// ---------- OTP issuance ----------

func TestRequestOTP_StoresDigestAndMailsCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestOTP(ctx, "Alice@Example.COM ", "203.0.113.7", "test-agent"))

	require.Len(t, env.mailer.sent, 1)
	require.Equal(t, "alice@example.com", env.mailer.sent[0].email, "address is normalized before use")
	require.Len(t, env.mailer.sent[0].code, 6)

	pending, err := env.codes.LatestPending(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, pending)
	require.NotEqual(t, env.mailer.sent[0].code, pending.CodeHash, "plaintext code must never be stored")
	require.Len(t, pending.CodeHash, 64)

	wantFP := hashing.NewHasher("service-test-secret").RequestFingerprint("alice@example.com", "203.0.113.7")
	require.Equal(t, wantFP, pending.RequestFingerprint, "audit fingerprint binds address and source")
}

func TestRequestOTP_RejectsBadAddress(t *testing.T) {
	env := newTestEnv(t)

	for _, email := range []string{"", "not-an-email", "a b@example.com"} {
		err := env.svc.RequestOTP(context.Background(), email, "203.0.113.7", "test-agent")
		require.ErrorIs(t, err, ErrInvalidEmail, "email %q", email)
	}
	require.Empty(t, env.mailer.sent)
}

func TestRequestOTP_ReissueInvalidatesOlderCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))
	firstCode := env.mailer.lastCode()
	env.advance(time.Second)
	require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))

	require.Equal(t, 1, env.codes.pendingCount("alice@example.com"))

	_, _, err := env.svc.VerifyOTP(ctx, "alice@example.com", firstCode, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrInvalidCode, "superseded code must not verify")

	_, _, err = env.svc.VerifyOTP(ctx, "alice@example.com", env.mailer.lastCode(), "203.0.113.7", "test-agent")
	require.NoError(t, err)
}

func TestRequestOTP_PerEmailRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < env.cfg.Auth.OTPRequestLimitPerEmail; i++ {
		require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))
	}
	err := env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	// Another address from the same source is still within its own limits.
	require.NoError(t, env.svc.RequestOTP(ctx, "bob@example.com", "203.0.113.7", "test-agent"))
}

func TestRequestOTP_PerIPRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addresses := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com", "e@example.com"}
	for _, email := range addresses {
		require.NoError(t, env.svc.RequestOTP(ctx, email, "203.0.113.7", "test-agent"))
	}
	err := env.svc.RequestOTP(ctx, "f@example.com", "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	require.NoError(t, env.svc.RequestOTP(ctx, "f@example.com", "203.0.113.8", "test-agent"))
}

func TestRequestOTP_MailFailureSurfacesButCodeStands(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mailer.failNext = true
	err := env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrEmailDeliveryFailed)

	// The challenge row stays; the client's retry supersedes it.
	require.Equal(t, 1, env.codes.pendingCount("alice@example.com"))
	env.advance(time.Second)
	require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))
	require.Equal(t, 1, env.codes.pendingCount("alice@example.com"))
}

// ---------- OTP verification ----------

func TestVerifyOTP_SuccessCreatesUserAndSession(t *testing.T) {
	env := newTestEnv(t)

	user, pair := requestAndVerify(t, env, "alice@example.com")
	require.Equal(t, "alice@example.com", user.Email)
	require.False(t, user.OnboardingCompleted)

	access, err := env.issuer.Decode(pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, token.TypeAccess, access.Type)
	require.Equal(t, user.ID, access.Subject)

	refresh, err := env.issuer.Decode(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, token.TypeRefresh, refresh.Type)
	require.Equal(t, pair.SessionID, refresh.ID)

	require.Contains(t, env.rec.types(), model.EventOTPVerified)
}

func TestVerifyOTP_CodeConsumedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))
	code := env.mailer.lastCode()

	_, _, err := env.svc.VerifyOTP(ctx, "alice@example.com", code, "203.0.113.7", "test-agent")
	require.NoError(t, err)

	_, _, err = env.svc.VerifyOTP(ctx, "alice@example.com", code, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrInvalidCode, "a consumed code must not verify again")
}

func TestVerifyOTP_ExistingUserIsReused(t *testing.T) {
	env := newTestEnv(t)

	first, _ := requestAndVerify(t, env, "alice@example.com")
	second, _ := requestAndVerify(t, env, "alice@example.com")
	require.Equal(t, first.ID, second.ID)
}

func TestVerifyOTP_WrongCodeBurnsAfterRetryLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))
	code := env.mailer.lastCode()

	for i := 0; i < env.cfg.Auth.OTPRetryLimit; i++ {
		_, _, err := env.svc.VerifyOTP(ctx, "alice@example.com", "000000", "203.0.113.7", "test-agent")
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	// The correct code is dead once the challenge is burned.
	_, _, err := env.svc.VerifyOTP(ctx, "alice@example.com", code, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrInvalidCode)

	require.Contains(t, env.rec.types(), model.EventOTPBurned)
}

func TestVerifyOTP_CorrectCodeSucceedsUnderRetryLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))
	code := env.mailer.lastCode()

	for i := 0; i < env.cfg.Auth.OTPRetryLimit-1; i++ {
		_, _, err := env.svc.VerifyOTP(ctx, "alice@example.com", "000000", "203.0.113.7", "test-agent")
		require.ErrorIs(t, err, ErrInvalidCode)
	}

	pending, err := env.codes.LatestPending(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, pending, "challenge survives failures under the limit")
	require.Equal(t, env.cfg.Auth.OTPRetryLimit-1, pending.AttemptCount)

	user, pair, err := env.svc.VerifyOTP(ctx, "alice@example.com", code, "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.NotNil(t, user)
	require.NotNil(t, pair)
}

func TestVerifyOTP_ExpiredCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.RequestOTP(ctx, "alice@example.com", "203.0.113.7", "test-agent"))
	code := env.mailer.lastCode()

	env.advance(11 * time.Minute)

	_, _, err := env.svc.VerifyOTP(ctx, "alice@example.com", code, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyOTP_NoPendingChallenge(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.svc.VerifyOTP(context.Background(), "nobody@example.com", "123456", "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrInvalidCode)
}

// ---------- refresh rotation ----------

func TestRefresh_RotationChainRejectsReplayedLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, pairA := requestAndVerify(t, env, "alice@example.com")

	pairB, err := env.svc.Refresh(ctx, pairA.RefreshToken, "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.NotEqual(t, pairA.RefreshToken, pairB.RefreshToken)

	// Replaying the first token after rotation must fail.
	_, err = env.svc.Refresh(ctx, pairA.RefreshToken, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenInvalid)

	pairC, err := env.svc.Refresh(ctx, pairB.RefreshToken, "203.0.113.7", "test-agent")
	require.NoError(t, err)

	// Earlier links stay dead no matter how far the chain has advanced.
	_, err = env.svc.Refresh(ctx, pairA.RefreshToken, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = env.svc.Refresh(ctx, pairB.RefreshToken, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenInvalid)

	// The chain records its lineage.
	record, err := env.tokens.LookupActive(ctx, env.svc.hasher.HashToken(pairC.RefreshToken))
	require.NoError(t, err)
	require.NotNil(t, record)
	require.Equal(t, pairB.SessionID, record.RotatedFrom)

	require.Contains(t, env.rec.types(), model.EventTokenRotated)
	require.Contains(t, env.rec.types(), model.EventTokenReuseRejected)
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	env := newTestEnv(t)

	_, pair := requestAndVerify(t, env, "alice@example.com")

	_, err := env.svc.Refresh(context.Background(), pair.AccessToken, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefresh_RejectsGarbage(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Refresh(context.Background(), "not.a.token", "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefresh_ExpiredSignatureIsDistinct(t *testing.T) {
	env := newTestEnv(t)

	expiredIssuer, err := token.NewIssuer("service-test-secret", "HS256", "blog-auth-service", -time.Minute, -time.Minute)
	require.NoError(t, err)
	raw, err := expiredIssuer.IssueRefresh("user-x", "session-x")
	require.NoError(t, err)

	_, err = env.svc.Refresh(context.Background(), raw, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefresh_UnknownButWellFormedToken(t *testing.T) {
	env := newTestEnv(t)

	raw, err := env.issuer.IssueRefresh("ghost-user", "ghost-session")
	require.NoError(t, err)

	_, err = env.svc.Refresh(context.Background(), raw, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

// ---------- logout ----------

func TestLogout_RevokesSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, pair := requestAndVerify(t, env, "alice@example.com")

	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken, "203.0.113.7", "test-agent"))

	_, err := env.svc.Refresh(ctx, pair.RefreshToken, "203.0.113.7", "test-agent")
	require.ErrorIs(t, err, ErrTokenInvalid)

	require.Contains(t, env.rec.types(), model.EventSessionRevoked)
}

func TestLogout_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, pair := requestAndVerify(t, env, "alice@example.com")

	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken, "203.0.113.7", "test-agent"))
	require.NoError(t, env.svc.Logout(ctx, pair.RefreshToken, "203.0.113.7", "test-agent"))
	require.NoError(t, env.svc.Logout(ctx, "not.a.token", "203.0.113.7", "test-agent"))
}

// ---------- view dedup ----------

func TestRecordPostView_CountsOncePerViewer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	counted, err := env.svc.RecordPostView(ctx, "post-1", "", "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.True(t, counted)

	counted, err = env.svc.RecordPostView(ctx, "post-1", "", "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.False(t, counted)

	counted, err = env.svc.RecordPostView(ctx, "post-1", "", "203.0.113.8", "test-agent")
	require.NoError(t, err)
	require.True(t, counted, "a different viewer counts separately")

	counted, err = env.svc.RecordPostView(ctx, "post-2", "", "203.0.113.7", "test-agent")
	require.NoError(t, err)
	require.True(t, counted, "a different post counts separately")
}

func TestRecordPostView_AuthenticatedViewerIsOneViewer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, pair := requestAndVerify(t, env, "alice@example.com")

	counted, err := env.svc.RecordPostView(ctx, "post-1", pair.AccessToken, "203.0.113.7", "firefox")
	require.NoError(t, err)
	require.True(t, counted)

	// Same account from a new network and browser is still the same viewer.
	counted, err = env.svc.RecordPostView(ctx, "post-1", pair.AccessToken, "198.51.100.4", "safari")
	require.NoError(t, err)
	require.False(t, counted)

	// An anonymous view from one of those sources is a separate viewer.
	counted, err = env.svc.RecordPostView(ctx, "post-1", "", "203.0.113.7", "firefox")
	require.NoError(t, err)
	require.True(t, counted)
}

func TestRecordPostView_NonAccessTokensFallBackToSourceFingerprint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, pair := requestAndVerify(t, env, "alice@example.com")

	// A refresh token carries no viewer identity here.
	counted, err := env.svc.RecordPostView(ctx, "post-1", pair.RefreshToken, "203.0.113.7", "firefox")
	require.NoError(t, err)
	require.True(t, counted)

	counted, err = env.svc.RecordPostView(ctx, "post-1", "", "203.0.113.7", "firefox")
	require.NoError(t, err)
	require.False(t, counted, "refresh token must dedupe as the anonymous source")

	counted, err = env.svc.RecordPostView(ctx, "post-1", "not.a.token", "198.51.100.4", "safari")
	require.NoError(t, err)
	require.True(t, counted, "garbage tokens dedupe as the anonymous source")
}
