package service

import (
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/hashing"
	"blog-auth-service/internal/model"
	"blog-auth-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
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

	authService *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
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
) *ServiceFactory {
	return &ServiceFactory{
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
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.codes,
			f.tokens,
			f.users,
			f.limiter,
			f.views,
			f.mailer,
			f.events,
			f.hasher,
			f.issuer,
			f.cfg,
		)
	}
	return f.authService
}
