package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg := loadFromEnv()

	require.Equal(t, 6, cfg.Auth.OTPCodeLength)
	require.Equal(t, 10, cfg.Auth.OTPTTLMinutes)
	require.Equal(t, 5, cfg.Auth.OTPRetryLimit)
	require.Equal(t, 20, cfg.Auth.OTPRequestLimitPerEmail)
	require.Equal(t, 20, cfg.Auth.OTPRequestLimitPerIP)
	require.Equal(t, 30, cfg.Auth.OTPRequestWindowMinutes)
	require.Equal(t, 3600, cfg.Auth.ViewDedupTTLSeconds)
	require.Equal(t, 10*time.Second, cfg.Auth.MailTimeout)

	require.Equal(t, "HS256", cfg.JWT.Algorithm)
	require.Equal(t, 15, cfg.JWT.AccessTTLMinutes)
	require.Equal(t, 30, cfg.JWT.RefreshTTLDays)

	require.Equal(t, "lax", cfg.Cookies.SameSite)
	require.True(t, cfg.Cookies.Secure)
}

func TestLoadFromEnv_ClampsOutOfRangeValues(t *testing.T) {
	t.Setenv("OTP_CODE_LENGTH", "99")
	t.Setenv("OTP_TTL_MINUTES", "1")
	t.Setenv("OTP_RETRY_LIMIT", "0")
	t.Setenv("OTP_REQUEST_LIMIT_PER_EMAIL", "5000")
	t.Setenv("OTP_REQUEST_LIMIT_PER_IP", "0")
	t.Setenv("OTP_REQUEST_WINDOW_MINUTES", "1000")
	t.Setenv("JWT_ACCESS_TTL_MINUTES", "1")
	t.Setenv("JWT_REFRESH_TTL_DAYS", "500")

	cfg := loadFromEnv()

	require.Equal(t, 10, cfg.Auth.OTPCodeLength)
	require.Equal(t, 5, cfg.Auth.OTPTTLMinutes)
	require.Equal(t, 1, cfg.Auth.OTPRetryLimit)
	require.Equal(t, 100, cfg.Auth.OTPRequestLimitPerEmail)
	require.Equal(t, 1, cfg.Auth.OTPRequestLimitPerIP)
	require.Equal(t, 180, cfg.Auth.OTPRequestWindowMinutes)
	require.Equal(t, 5, cfg.JWT.AccessTTLMinutes)
	require.Equal(t, 120, cfg.JWT.RefreshTTLDays)
}

func TestLoadFromEnv_InvalidNumbersFallBackToDefaults(t *testing.T) {
	t.Setenv("OTP_CODE_LENGTH", "not-a-number")
	t.Setenv("SERVER_READ_TIMEOUT", "soon")

	cfg := loadFromEnv()

	require.Equal(t, 6, cfg.Auth.OTPCodeLength)
	require.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
}

func TestLoadFromEnv_ScyllaNodeList(t *testing.T) {
	t.Setenv("SCYLLA_NODES", "node-a:9042, node-b:9042 ,node-c:9042")

	cfg := loadFromEnv()

	require.Equal(t, []string{"node-a:9042", "node-b:9042", "node-c:9042"}, cfg.Scylla.Nodes)
}

func TestDurationHelpers(t *testing.T) {
	auth := AuthConfig{OTPTTLMinutes: 10, OTPRequestWindowMinutes: 30}
	require.Equal(t, 10*time.Minute, auth.OTPTTL())
	require.Equal(t, 30*time.Minute, auth.OTPRequestWindow())

	jwt := JWTConfig{AccessTTLMinutes: 15, RefreshTTLDays: 30}
	require.Equal(t, 15*time.Minute, jwt.AccessTTL())
	require.Equal(t, 30*24*time.Hour, jwt.RefreshTTL())
}
