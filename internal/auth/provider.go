// Package auth obtains bearer tokens and applies them to the metadata of
// outgoing samples.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MetadataKey is the metadata entry carrying the bearer token.
const MetadataKey = "authorization"

// Provider defines the interface for authentication providers that can
// obtain tokens and apply them to request metadata.
type Provider interface {
	// Token retrieves a valid authentication token, using cached values
	// when available and valid.
	Token(ctx context.Context) (string, error)

	// Apply sets the authorization entry of md.
	Apply(ctx context.Context, md map[string]string) error

	// Close releases any resources held by the provider.
	Close() error
}

// Config selects and configures a provider. A static Token wins over the
// OAuth2 settings; Username switches OAuth2 to the password grant.
type Config struct {
	Token               string
	TokenURL            string
	ClientID            string
	ClientSecret        string
	Username            string
	Password            string
	Scopes              []string
	RefreshBeforeExpiry time.Duration
}

// Enabled reports whether any provider is configured.
func (c Config) Enabled() bool {
	return c.Token != "" || c.TokenURL != ""
}

// Validate checks that an OAuth2 configuration is complete.
func (c Config) Validate() error {
	if c.Token != "" || c.TokenURL == "" {
		return nil
	}
	var errs []error
	if c.ClientID == "" {
		errs = append(errs, errors.New("auth client_id is required with a token_url"))
	}
	if c.Username != "" && c.Password == "" {
		errs = append(errs, errors.New("auth password is required with a username"))
	}
	if c.RefreshBeforeExpiry < 0 {
		errs = append(errs, errors.New("auth refresh_before_expiry must be non-negative"))
	}
	return errors.Join(errs...)
}

// New builds the provider described by cfg, or returns nil when cfg is not
// Enabled.
func New(cfg Config) (Provider, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Token != "" {
		return NewStaticTokenProvider(cfg.Token), nil
	}
	var (
		p   *OAuth2Provider
		err error
	)
	if cfg.Username != "" {
		p, err = NewOAuth2ResourceOwnerProvider(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Username, cfg.Password, cfg.Scopes, cfg.RefreshBeforeExpiry)
	} else {
		p, err = NewOAuth2ClientCredentialsProvider(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, cfg.Scopes, cfg.RefreshBeforeExpiry)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func applyToken(ctx context.Context, p Provider, md map[string]string) error {
	token, err := p.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	md[MetadataKey] = "Bearer " + token
	return nil
}

// StaticTokenProvider returns a pre-configured token, typically an OIDC
// token obtained outside of the tool.
type StaticTokenProvider struct {
	token string
}

func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: token}
}

func (p *StaticTokenProvider) Token(context.Context) (string, error) {
	return p.token, nil
}

func (p *StaticTokenProvider) Apply(ctx context.Context, md map[string]string) error {
	return applyToken(ctx, p, md)
}

func (p *StaticTokenProvider) Close() error { return nil }
