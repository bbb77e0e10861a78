package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
	"blog-auth-service/internal/util"
)

// PreparedStatements holds the statements the repositories bind per call.
type PreparedStatements struct {
	InsertAuthCode         *gocql.Query
	SelectLatestPending    *gocql.Query
	SelectPendingKeys      *gocql.Query
	UpdateAuthCodeConsumed *gocql.Query
	UpdateAuthCodeAttempts *gocql.Query

	InsertRefreshToken *gocql.Query
	SelectRefreshToken *gocql.Query
	RevokeRefreshToken *gocql.Query

	InsertUser        *gocql.Query
	InsertUserByEmail *gocql.Query
	SelectUserByID    *gocql.Query
	SelectUserByEmail *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	prepared := &PreparedStatements{}

	// auth_codes is partitioned by email and clustered newest-first, so the
	// latest pending code is the first unconsumed row in the partition.
	prepared.InsertAuthCode = s.Session.Query(`
        INSERT INTO auth_codes (
            email, created_at, id, code_hash, expires_at,
            consumed, consumed_at, attempt_count, ip_fingerprint, user_agent
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.SelectLatestPending = s.Session.Query(`
        SELECT email, created_at, id, code_hash, expires_at,
            consumed, consumed_at, attempt_count, ip_fingerprint, user_agent
        FROM auth_codes WHERE email = ? AND consumed = false
        LIMIT 1 ALLOW FILTERING`)

	prepared.SelectPendingKeys = s.Session.Query(`
        SELECT created_at, id FROM auth_codes
        WHERE email = ? AND consumed = false ALLOW FILTERING`)

	prepared.UpdateAuthCodeConsumed = s.Session.Query(`
        UPDATE auth_codes SET consumed = true, consumed_at = ?
        WHERE email = ? AND created_at = ? AND id = ?`)

	prepared.UpdateAuthCodeAttempts = s.Session.Query(`
        UPDATE auth_codes SET attempt_count = ?
        WHERE email = ? AND created_at = ? AND id = ?`)

	// refresh_tokens is keyed by the token digest; lookup by raw token never
	// touches more than one partition.
	prepared.InsertRefreshToken = s.Session.Query(`
        INSERT INTO refresh_tokens (
            token_hash, id, user_id, created_at, expires_at,
            rotated_from, revoked, revoked_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.SelectRefreshToken = s.Session.Query(`
        SELECT token_hash, id, user_id, created_at, expires_at,
            rotated_from, revoked, revoked_at
        FROM refresh_tokens WHERE token_hash = ?`)

	prepared.RevokeRefreshToken = s.Session.Query(`
        UPDATE refresh_tokens SET revoked = true, revoked_at = ?
        WHERE token_hash = ? IF revoked = false`)

	prepared.InsertUser = s.Session.Query(`
        INSERT INTO users (
            user_bucket, user_id, email, nickname, profile_image_url,
            onboarding_completed, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	prepared.InsertUserByEmail = s.Session.Query(`
        INSERT INTO users_by_email (email, user_bucket, user_id, created_at)
        VALUES (?, ?, ?, ?)`)

	prepared.SelectUserByID = s.Session.Query(`
        SELECT user_bucket, user_id, email, nickname, profile_image_url,
            onboarding_completed, created_at, updated_at
        FROM users WHERE user_bucket = ? AND user_id = ?`)

	prepared.SelectUserByEmail = s.Session.Query(`
        SELECT email, user_bucket, user_id FROM users_by_email WHERE email = ?`)

	s.Prepared = prepared
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
