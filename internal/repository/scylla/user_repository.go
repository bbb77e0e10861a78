package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"blog-auth-service/internal/bucketing"
	"blog-auth-service/internal/model"
	"blog-auth-service/internal/util"
)

// UserRepository stores accounts across bucketed partitions. The users table
// is keyed by (user_bucket, user_id); users_by_email is the lookup table
// that maps an address back to its bucketed key.
type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.Manager) *UserRepository {
	return &UserRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *UserRepository) Create(ctx context.Context, user *model.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	bucket := r.buckets.UserBucket(user.ID)

	// Both tables written in one logged batch so the email lookup can never
	// point at a missing user row.
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`
        INSERT INTO users (
            user_bucket, user_id, email, nickname, profile_image_url,
            onboarding_completed, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bucket, user.ID, user.Email, user.Nickname, user.ProfileImageURL,
		user.OnboardingCompleted, user.CreatedAt, user.UpdatedAt)
	batch.Query(`
        INSERT INTO users_by_email (email, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?)`,
		user.Email, bucket, user.ID, user.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create user",
			zap.String("user_id", user.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.ID),
		zap.Int("user_bucket", bucket))

	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	bucket := r.buckets.UserBucket(id)

	user := &model.User{}
	var userBucket int

	query := r.client.Prepared.SelectUserByID.Bind(bucket, id).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&userBucket, &user.ID, &user.Email, &user.Nickname, &user.ProfileImageURL,
		&user.OnboardingCompleted, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get user by id",
			zap.String("user_id", id),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}

	return user, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var lookupEmail string
	var bucket int
	var id string

	query := r.client.Prepared.SelectUserByEmail.Bind(email).WithContext(ctx)
	err := r.client.ScanWithRetry(query, &lookupEmail, &bucket, &id)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to look up user by email", zap.Error(err))
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}

	return r.GetByID(ctx, id)
}
