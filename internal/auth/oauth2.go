package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OAuth2Provider fetches access tokens from an OAuth2 token endpoint and
// caches them until refreshBeforeExpiry ahead of their expiry. Concurrent
// callers share a single fetch.
type OAuth2Provider struct {
	tokenURL            string
	clientID            string
	clientSecret        string
	grant               url.Values
	refreshBeforeExpiry time.Duration
	httpClient          *http.Client

	mu          sync.Mutex
	cond        *sync.Cond
	fetching    bool
	cachedToken string
	tokenExpiry time.Time
}

type oauth2TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error,omitempty"`
	ErrorDesc   string `json:"error_description,omitempty"`
}

// NewOAuth2ClientCredentialsProvider uses the client credentials grant.
func NewOAuth2ClientCredentialsProvider(
	tokenURL string,
	clientID string,
	clientSecret string,
	scopes []string,
	refreshBeforeExpiry time.Duration,
) (*OAuth2Provider, error) {
	grant := url.Values{}
	grant.Set("grant_type", "client_credentials")
	return newOAuth2Provider(tokenURL, clientID, clientSecret, grant, scopes, refreshBeforeExpiry)
}

// NewOAuth2ResourceOwnerProvider uses the resource owner password grant.
func NewOAuth2ResourceOwnerProvider(
	tokenURL string,
	clientID string,
	clientSecret string,
	username string,
	password string,
	scopes []string,
	refreshBeforeExpiry time.Duration,
) (*OAuth2Provider, error) {
	grant := url.Values{}
	grant.Set("grant_type", "password")
	grant.Set("username", username)
	grant.Set("password", password)
	return newOAuth2Provider(tokenURL, clientID, clientSecret, grant, scopes, refreshBeforeExpiry)
}

func newOAuth2Provider(tokenURL, clientID, clientSecret string, grant url.Values, scopes []string, refresh time.Duration) (*OAuth2Provider, error) {
	if tokenURL == "" {
		return nil, errors.New("token URL is required")
	}
	if len(scopes) > 0 {
		grant.Set("scope", strings.Join(scopes, " "))
	}
	p := &OAuth2Provider{
		tokenURL:            tokenURL,
		clientID:            clientID,
		clientSecret:        clientSecret,
		grant:               grant,
		refreshBeforeExpiry: refresh,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Token returns the cached token or fetches a new one.
func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.cachedToken != "" && time.Now().Before(p.tokenExpiry) {
			return p.cachedToken, nil
		}
		if !p.fetching {
			break
		}
		p.cond.Wait()
	}

	p.fetching = true
	p.mu.Unlock()
	token, expiresIn, err := p.fetchToken(ctx)
	p.mu.Lock()
	p.fetching = false
	p.cond.Broadcast()
	if err != nil {
		return "", err
	}

	p.cachedToken = token
	p.tokenExpiry = time.Now().Add(time.Duration(expiresIn)*time.Second - p.refreshBeforeExpiry)
	return token, nil
}

func (p *OAuth2Provider) fetchToken(ctx context.Context) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, strings.NewReader(p.grant.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tokenResp oauth2TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.Error != "" {
		return "", 0, fmt.Errorf("oauth2 error: %s - %s", tokenResp.Error, tokenResp.ErrorDesc)
	}
	if tokenResp.AccessToken == "" {
		return "", 0, errors.New("no access token in response")
	}
	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}

// Apply sets the bearer token on md.
func (p *OAuth2Provider) Apply(ctx context.Context, md map[string]string) error {
	return applyToken(ctx, p, md)
}

// Close releases idle token endpoint connections.
func (p *OAuth2Provider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
