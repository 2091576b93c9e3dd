package importer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/carlmjohnson/requests"
	"github.com/go-logr/logr"
	"github.com/tidwall/gjson"
)

// TokenProvider issues the Keycloak bearer token used for Scanfactory calls.
// The token is fetched lazily, cached for the run and refreshed at most once
// per expiry however many workers observe the 401.
type TokenProvider struct {
	*RunContext

	mu    sync.Mutex
	token string
}

func NewTokenProvider(rc *RunContext) *TokenProvider {
	return &TokenProvider{RunContext: rc}
}

// Token returns the cached token, authenticating first if there is none.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}
	token, err := p.authenticate(ctx)
	if err != nil {
		return "", err
	}
	p.token = token
	return token, nil
}

// Invalidate drops the cached token if it is still stale. A token that was
// already replaced by another caller is kept.
func (p *TokenProvider) Invalidate(stale string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == stale {
		p.token = ""
	}
}

// Do runs fn with the current token. When fn reports the token was refused
// the token is refreshed and fn is run once more.
func (p *TokenProvider) Do(ctx context.Context, fn func(token string) error) error {
	token, err := p.Token(ctx)
	if err != nil {
		return err
	}
	err = fn(token)
	if !errors.Is(err, errUnauthorized) {
		return err
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("scanfactory token refused, refreshing")
	p.Invalidate(token)
	token, err = p.Token(ctx)
	if err != nil {
		return err
	}
	return fn(token)
}

// KeycloakAPIBuilder returns a new requests.Builder configured for the Keycloak API.
func (p *TokenProvider) KeycloakAPIBuilder() *requests.Builder {
	return p.newAPIBuilder(p.Environment.KeycloakURL, "keycloak")
}

// authenticate exchanges the Scanfactory credentials for an access token.
// An unreachable Keycloak is retried once.
func (p *TokenProvider) authenticate(ctx context.Context) (string, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("Realm", p.Environment.KeycloakRealm, "ClientID", p.Environment.ClientID())
	form := url.Values{}
	form.Set("client_id", p.Environment.ClientID())
	form.Set("username", p.Environment.SFUsername)
	form.Set("password", p.Environment.SFPassword)
	form.Set("grant_type", "password")

	var json string
	var capture responseCapture
	retry := RetryConfig{Attempts: 2, InitialInterval: p.Config.Base.Retry.InitialInterval}
	err := withRetry(ctx, retry, func() error {
		capture = responseCapture{}
		err := p.KeycloakAPIBuilder().
			Pathf("realms/%s/protocol/openid-connect/token", url.PathEscape(p.Environment.KeycloakRealm)).
			BodyForm(form).
			Accept("application/json").
			AddValidator(capture.recordStatus).
			AddValidator(capture.checkStatus()).
			ToString(&json).
			Fetch(ctx)
		if err != nil && (capture.Status == 0 || capture.Status >= 500) {
			return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
		return err
	})
	if err != nil {
		if capture.Status == 0 || capture.Status >= 500 {
			log.Error(err, "keycloak unreachable")
			return "", fmt.Errorf("%w: keycloak unreachable: %w", ErrAuthentication, err)
		}
		log.Error(err, "keycloak refused the scanfactory credentials", "Status", capture.Status, "Body", bodySnippet(capture.Body))
		return "", fmt.Errorf("%w: keycloak refused credentials (HTTP %d): %s", ErrAuthentication, capture.Status, bodySnippet(capture.Body))
	}
	if strings.Contains(json, "error") {
		return "", fmt.Errorf("%w: keycloak answered with an error: %s", ErrAuthentication, bodySnippet(json))
	}
	token := gjson.Get(json, "access_token").String()
	if token == "" {
		return "", fmt.Errorf("%w: keycloak response has no access token", ErrAuthentication)
	}
	log.V(1).Info("authenticated to keycloak")
	return token, nil
}
