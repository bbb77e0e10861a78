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

// RefreshTokenRepository persists session credentials keyed by token digest.
// Rows outlive revocation so rotation history stays queryable.
type RefreshTokenRepository struct {
	client *ScyllaClient
}

func NewRefreshTokenRepository(client *ScyllaClient) *RefreshTokenRepository {
	return &RefreshTokenRepository{client: client}
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *model.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	query := r.client.Prepared.InsertRefreshToken.Bind(
		token.TokenHash, token.ID, token.UserID, token.CreatedAt,
		token.ExpiresAt, token.RotatedFrom, false, nil).
		WithContext(ctx)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to create refresh token",
			zap.String("user_id", token.UserID),
			zap.String("session_id", token.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create refresh token: %w", err)
	}

	util.Debug("Refresh token created",
		zap.String("user_id", token.UserID),
		zap.String("session_id", token.ID),
		zap.Bool("rotation", token.RotatedFrom != ""))

	return nil
}

// LookupActive returns the record for the digest only while it is usable.
// Revoked, expired and unknown digests all come back nil so callers cannot
// distinguish them.
func (r *RefreshTokenRepository) LookupActive(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	var revokedAt time.Time

	query := r.client.Prepared.SelectRefreshToken.Bind(tokenHash).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&token.TokenHash, &token.ID, &token.UserID, &token.CreatedAt,
		&token.ExpiresAt, &token.RotatedFrom, &token.Revoked, &revokedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to look up refresh token", zap.Error(err))
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}

	if !revokedAt.IsZero() {
		token.RevokedAt = &revokedAt
	}
	if !token.Usable(time.Now().UTC()) {
		return nil, nil
	}
	return token, nil
}

// Revoke flips the revoked flag behind a lightweight transaction. The
// returned bool is false when another writer revoked the row first, which
// lets concurrent rotations of the same token pick exactly one winner.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, token *model.RefreshToken) (bool, error) {
	now := time.Now().UTC()

	query := r.client.Prepared.RevokeRefreshToken.
		Bind(now, token.TokenHash).
		WithContext(ctx)

	var prevRevoked bool
	applied, err := query.ScanCAS(&prevRevoked)
	if err != nil {
		util.Error("Failed to revoke refresh token",
			zap.String("session_id", token.ID),
			zap.Error(err))
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	if applied {
		token.Revoked = true
		token.RevokedAt = &now
	}
	return applied, nil
}
