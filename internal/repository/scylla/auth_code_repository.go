package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/model"
	"blog-auth-service/internal/util"
)

// AuthCodeRepository persists OTP challenges in the auth_codes table. Rows
// are never deleted; consumed challenges stay behind as the audit trail.
type AuthCodeRepository struct {
	client *ScyllaClient
}

func NewAuthCodeRepository(client *ScyllaClient) *AuthCodeRepository {
	return &AuthCodeRepository{client: client}
}

// Create marks every still-unconsumed code for the email as consumed and
// inserts the new one. Both writes go through a single logged batch on the
// same partition, so a reader never sees two pending codes.
func (r *AuthCodeRepository) Create(ctx context.Context, code *model.AuthCode) error {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = now
	}

	pending, err := r.pendingKeys(ctx, code.Email)
	if err != nil {
		return err
	}

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	for _, key := range pending {
		batch.Query(`
            UPDATE auth_codes SET consumed = true, consumed_at = ?
            WHERE email = ? AND created_at = ? AND id = ?`,
			now, code.Email, key.createdAt, key.id)
	}
	batch.Query(`
        INSERT INTO auth_codes (
            email, created_at, id, code_hash, expires_at,
            consumed, consumed_at, attempt_count, ip_fingerprint, user_agent
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Email, code.CreatedAt, code.ID, code.CodeHash, code.ExpiresAt,
		false, nil, 0, code.RequestFingerprint, code.UserAgent)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create auth code",
			zap.String("email", code.Email),
			zap.String("code_id", code.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create auth code: %w", err)
	}

	util.Debug("Auth code created",
		zap.String("email", code.Email),
		zap.String("code_id", code.ID),
		zap.Int("invalidated", len(pending)))

	return nil
}

// LatestPending returns the newest unconsumed code for the email, or nil
// when none exists. Expiry is not filtered here; the caller decides how to
// treat an expired challenge.
func (r *AuthCodeRepository) LatestPending(ctx context.Context, email string) (*model.AuthCode, error) {
	code := &model.AuthCode{}
	var consumedAt time.Time

	query := r.client.Prepared.SelectLatestPending.Bind(email).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&code.Email, &code.CreatedAt, &code.ID, &code.CodeHash, &code.ExpiresAt,
		&code.Consumed, &consumedAt, &code.AttemptCount, &code.RequestFingerprint, &code.UserAgent)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get latest pending auth code",
			zap.String("email", email),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get latest pending auth code: %w", err)
	}

	if !consumedAt.IsZero() {
		code.ConsumedAt = &consumedAt
	}
	return code, nil
}

// IncrementAttempts bumps the failed-attempt counter on the row.
func (r *AuthCodeRepository) IncrementAttempts(ctx context.Context, code *model.AuthCode) error {
	code.AttemptCount++

	query := r.client.Prepared.UpdateAuthCodeAttempts.
		Bind(code.AttemptCount, code.Email, code.CreatedAt, code.ID).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to increment auth code attempts",
			zap.String("email", code.Email),
			zap.String("code_id", code.ID),
			zap.Error(err))
		return fmt.Errorf("failed to increment auth code attempts: %w", err)
	}

	return nil
}

// MarkConsumed retires the code. Used both for successful verification and
// for burning a code that ran out of attempts.
func (r *AuthCodeRepository) MarkConsumed(ctx context.Context, code *model.AuthCode) error {
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateAuthCodeConsumed.
		Bind(now, code.Email, code.CreatedAt, code.ID).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to mark auth code consumed",
			zap.String("email", code.Email),
			zap.String("code_id", code.ID),
			zap.Error(err))
		return fmt.Errorf("failed to mark auth code consumed: %w", err)
	}

	code.Consumed = true
	code.ConsumedAt = &now
	return nil
}

type authCodeKey struct {
	createdAt time.Time
	id        string
}

func (r *AuthCodeRepository) pendingKeys(ctx context.Context, email string) ([]authCodeKey, error) {
	iter := r.client.Prepared.SelectPendingKeys.Bind(email).WithContext(ctx).Iter()

	var keys []authCodeKey
	var key authCodeKey
	for iter.Scan(&key.createdAt, &key.id) {
		keys = append(keys, key)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list pending auth codes",
			zap.String("email", email),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list pending auth codes: %w", err)
	}
	return keys, nil
}
