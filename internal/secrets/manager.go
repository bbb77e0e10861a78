package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"blog-auth-service/internal/config"
	"blog-auth-service/internal/util"
)

var (
	ErrNoSecret         = errors.New("no signing secret configured")
	ErrDecryptionFailed = errors.New("secret decryption failed")
)

// Decrypter is the slice of the KMS API the manager needs.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Manager resolves secrets at startup. In production the JWT signing secret
// is stored KMS-encrypted in the environment and decrypted once here; in
// development a plaintext secret is accepted directly.
type Manager struct {
	kmsClient Decrypter
	config    *config.Config
}

func NewManager(cfg *config.Config) (*Manager, error) {
	m := &Manager{config: cfg}

	if cfg.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(cfg.KMS.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		m.kmsClient = kms.NewFromConfig(awsCfg)
		util.Info("KMS secret manager initialized", zap.String("region", cfg.KMS.Region))
	}

	return m, nil
}

// NewManagerWithClient wires an explicit decrypter, used by tests.
func NewManagerWithClient(cfg *config.Config, client Decrypter) *Manager {
	return &Manager{config: cfg, kmsClient: client}
}

// ResolveJWTSecret returns the signing secret. A plaintext secret wins when
// both forms are present, so local runs never need KMS access.
func (m *Manager) ResolveJWTSecret(ctx context.Context) (string, error) {
	if m.config.JWT.Secret != "" {
		return m.config.JWT.Secret, nil
	}

	ciphertext := m.config.JWT.SecretCiphertext
	if ciphertext == "" {
		return "", ErrNoSecret
	}
	if !m.config.KMS.Enabled || m.kmsClient == nil {
		return "", fmt.Errorf("%w: ciphertext secret requires KMS", ErrNoSecret)
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not valid base64", ErrDecryptionFailed)
	}

	input := &kms.DecryptInput{CiphertextBlob: blob}
	if m.config.KMS.KeyID != "" {
		input.KeyId = aws.String(m.config.KMS.KeyID)
	}

	out, err := m.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	util.Info("JWT signing secret decrypted via KMS")
	return string(out.Plaintext), nil
}
