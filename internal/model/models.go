package model

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimitExceeded is returned by RateLimiter.Enforce when the counter
// for a key passes its limit inside the current window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// -------------------- USER MODEL --------------------

type User struct {
	ID                  string    `json:"id" db:"user_id"`
	Email               string    `json:"email" db:"email"`
	Nickname            string    `json:"nickname,omitempty" db:"nickname"`
	ProfileImageURL     string    `json:"profile_image_url,omitempty" db:"profile_image_url"`
	OnboardingCompleted bool      `json:"onboarding_completed" db:"onboarding_completed"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// -------------------- AUTH CODE MODEL --------------------

// AuthCode is one OTP challenge. Rows are never deleted; consumed rows stay
// behind as an audit trail.
type AuthCode struct {
	ID                 string     `json:"id" db:"id"`
	Email              string     `json:"email" db:"email"` // normalized lowercase
	CodeHash           string     `json:"-" db:"code_hash"` // HMAC digest, never the code
	ExpiresAt          time.Time  `json:"expires_at" db:"expires_at"`
	Consumed           bool       `json:"consumed" db:"consumed"`
	ConsumedAt         *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	AttemptCount       int        `json:"attempt_count" db:"attempt_count"`
	RequestFingerprint string     `json:"-" db:"ip_fingerprint"` // digest of "email:ip"
	UserAgent          string     `json:"-" db:"user_agent"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// Pending reports whether the code is still eligible for verification.
func (c *AuthCode) Pending(now time.Time) bool {
	return !c.Consumed && c.ExpiresAt.After(now)
}

// -------------------- REFRESH TOKEN MODEL --------------------

// RefreshToken is one session credential, active or historical. The raw token
// value is never stored; the record is keyed by its SHA-256 digest.
// RotatedFrom links each record to the one it replaced, forming the rotation
// chain. Usable iff !Revoked && ExpiresAt > now.
type RefreshToken struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id" db:"user_id"`
	TokenHash   string     `json:"-" db:"token_hash"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	RotatedFrom string     `json:"rotated_from,omitempty" db:"rotated_from"` // empty = chain root
	Revoked     bool       `json:"revoked" db:"revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

func (t *RefreshToken) Usable(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

// TokenPair is the result of a successful verification or rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
}

// -------------------- SECURITY EVENTS --------------------

// EventType is the closed set of auth security events.
type EventType string

const (
	EventOTPRequested       EventType = "otp_requested"
	EventOTPInvalid         EventType = "otp_invalid"
	EventOTPBurned          EventType = "otp_burned"
	EventOTPVerified        EventType = "otp_verified"
	EventTokenRotated       EventType = "token_rotated"
	EventTokenReuseRejected EventType = "token_reuse_rejected"
	EventSessionRevoked     EventType = "session_revoked"
)

type SecurityEvent struct {
	Type      EventType `json:"type"`
	Email     string    `json:"email,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	At        time.Time `json:"at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// AuthCodeRepository persists OTP challenges. Lookups that find nothing
// return (nil, nil); errors are reserved for storage faults.
type AuthCodeRepository interface {
	// Create invalidates every unconsumed code for code.Email and inserts
	// the new one as a single unit of work.
	Create(ctx context.Context, code *AuthCode) error
	// LatestPending returns the most recently created unconsumed code.
	LatestPending(ctx context.Context, email string) (*AuthCode, error)
	IncrementAttempts(ctx context.Context, code *AuthCode) error
	MarkConsumed(ctx context.Context, code *AuthCode) error
}

// RefreshTokenRepository persists session credentials.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *RefreshToken) error
	// LookupActive returns the record for the digest only while it is
	// usable; revoked, expired and unknown digests all come back nil.
	LookupActive(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// Revoke flips the revoked flag. The returned bool is false when the
	// record was already revoked, letting concurrent rotations pick
	// exactly one winner. Revoking twice is otherwise harmless.
	Revoke(ctx context.Context, token *RefreshToken) (bool, error)
}

type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
}

// -------------------- CACHE & OUTBOUND INTERFACES --------------------

// RateLimiter is a fixed-window counter. Enforce increments the counter for
// key, starts the window on the first increment, and returns
// ErrRateLimitExceeded once the count passes limit. The rejected attempt
// still counts.
type RateLimiter interface {
	Enforce(ctx context.Context, key string, limit int, window time.Duration) error
}

// ViewStore answers "has this fingerprint already counted a view" with
// set-if-absent semantics.
type ViewStore interface {
	RecordView(ctx context.Context, postID, fingerprint string, ttl time.Duration) (bool, error)
}

// Mailer delivers the OTP to the address. Implementations fail loud on
// non-success and never retry.
type Mailer interface {
	SendOTPEmail(ctx context.Context, email, code string, expiresInMinutes int) error
}

// EventRecorder publishes security events. Recording is best effort and must
// never fail the request that produced the event.
type EventRecorder interface {
	Record(ctx context.Context, event SecurityEvent)
}
