package auth

import (
	"context"
	stderrors "errors"
	"time"

	"risk-gateway/internal/common/errors"
	"risk-gateway/internal/common/logger"
)

// TokenGrant is the result of a successful login.
type TokenGrant struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int64     `json:"expires_in"`
	ExpiresAt   time.Time `json:"-"`
}

// AccessControl authenticates callers and authorizes them by role. It keeps
// no session state: every call consults the token and the credential store.
type AccessControl struct {
	store  CredentialStore
	tokens *TokenService
	now    func() time.Time
	logger logger.Logger
}

// Option customises an AccessControl.
type Option func(*AccessControl)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *AccessControl) { a.now = now }
}

func NewAccessControl(store CredentialStore, tokens *TokenService, log logger.Logger, opts ...Option) *AccessControl {
	a := &AccessControl{
		store:  store,
		tokens: tokens,
		now:    time.Now,
		logger: log.WithFields(map[string]interface{}{"component": "access-control"}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords return the same error after the same amount of work.
func (a *AccessControl) Authenticate(ctx context.Context, username, password string) (Identity, error) {
	cred, err := a.store.Lookup(ctx, username)
	switch {
	case stderrors.Is(err, ErrCredentialNotFound):
		checkPassword(dummyHash, password)
		a.logger.Warn("authentication failed", map[string]interface{}{"username": username})
		return Identity{}, errors.NewAuthenticationFailedError()
	case err != nil:
		a.logger.Error("credential lookup failed", map[string]interface{}{"username": username, "error": err.Error()})
		return Identity{}, errors.NewCredentialLookupFailedError(err)
	}

	if !checkPassword([]byte(cred.PasswordHash), password) {
		a.logger.Warn("authentication failed", map[string]interface{}{"username": username})
		return Identity{}, errors.NewAuthenticationFailedError()
	}
	return Identity{Username: cred.Username, Role: cred.Role}, nil
}

// Login authenticates and issues a bearer token.
func (a *AccessControl) Login(ctx context.Context, username, password string) (*TokenGrant, error) {
	identity, err := a.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	now := a.now()
	token, expiresAt, err := a.tokens.Issue(identity, now)
	if err != nil {
		return nil, errors.NewInternalError(err)
	}

	a.logger.Info("token issued", map[string]interface{}{
		"username":  identity.Username,
		"role":      string(identity.Role),
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	})
	return &TokenGrant{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(a.tokens.TTL() / time.Second),
		ExpiresAt:   expiresAt,
	}, nil
}

// RequireIdentity verifies token and re-reads the subject's role from the
// credential store. A subject that no longer exists is unauthenticated.
func (a *AccessControl) RequireIdentity(ctx context.Context, token string) (Identity, error) {
	subject, err := a.tokens.Verify(token, a.now())
	if err != nil {
		a.logger.Debug("token rejected", map[string]interface{}{"reason": err.Error()})
		return Identity{}, errors.NewUnauthenticatedError(err.Error())
	}

	cred, err := a.store.Lookup(ctx, subject)
	switch {
	case stderrors.Is(err, ErrCredentialNotFound):
		a.logger.Warn("token subject no longer exists", map[string]interface{}{"username": subject})
		return Identity{}, errors.NewUnauthenticatedError("subject not found")
	case err != nil:
		a.logger.Error("credential lookup failed", map[string]interface{}{"username": subject, "error": err.Error()})
		return Identity{}, errors.NewCredentialLookupFailedError(err)
	}
	return Identity{Username: cred.Username, Role: cred.Role}, nil
}

// RequireRole fails with FORBIDDEN unless identity's role satisfies needed.
func (a *AccessControl) RequireRole(identity Identity, needed Role) (Identity, error) {
	if !identity.Role.Satisfies(needed) {
		a.logger.Warn("insufficient privileges", map[string]interface{}{
			"username": identity.Username,
			"role":     string(identity.Role),
			"needed":   string(needed),
		})
		return Identity{}, errors.NewForbiddenError("role " + string(identity.Role) + " does not satisfy " + string(needed))
	}
	return identity, nil
}

// Authorize is RequireIdentity followed by RequireRole.
func (a *AccessControl) Authorize(ctx context.Context, token string, needed Role) (Identity, error) {
	identity, err := a.RequireIdentity(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	return a.RequireRole(identity, needed)
}
