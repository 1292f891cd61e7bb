package service

import (
	"session-service/internal/audit"
	"session-service/internal/config"
	"session-service/internal/device"
	"session-service/internal/lockout"
	"session-service/internal/password"
	"session-service/internal/repository/scylla"
	"session-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg         *config.Config
	credentials scylla.CredentialRepository
	tokens      *token.Engine
	biometrics  device.BiometricMatcher
	auditor     *audit.Dispatcher

	authService *AuthService
}

func NewServiceFactory(
	cfg *config.Config,
	credentials scylla.CredentialRepository,
	tokens *token.Engine,
	biometrics device.BiometricMatcher,
	auditor *audit.Dispatcher,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:         cfg,
		credentials: credentials,
		tokens:      tokens,
		biometrics:  biometrics,
		auditor:     auditor,
	}
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() (*AuthService, error) {
	if f.authService == nil {
		svc, err := NewAuthService(
			f.cfg,
			f.credentials,
			password.NewPolicy(f.cfg),
			lockout.NewMachine(f.cfg),
			device.NewEvaluator(f.cfg),
			f.biometrics,
			f.tokens,
			f.auditor,
		)
		if err != nil {
			return nil, err
		}
		f.authService = svc
	}
	return f.authService, nil
}

// Cleanup flushes any in-flight audit deliveries
func (f *ServiceFactory) Cleanup() {
	if f.auditor != nil {
		f.auditor.Flush()
	}
}
