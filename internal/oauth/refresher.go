package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	log "github.com/sirupsen/logrus"

	"account_gateway/internal/models"
)

// ErrInvalidGrant marks a refresh token that the issuer rejected outright.
// Credentials hitting this are disabled permanently; anything else is a
// transient failure and only flags the credential for re-authorization.
var ErrInvalidGrant = errors.New("invalid grant")

// Token is a refreshed access token.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
	// Email is extracted from the id_token when the issuer returns one.
	Email string
}

// Refresher exchanges a refresh token for a fresh access token.
type Refresher interface {
	Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*Token, error)
}

// Config holds the per-provider token endpoints.
type Config struct {
	AntigravityTokenURL string
	AntigravityClientID string
	KiroTokenURL        string
}

// HTTPRefresher implements Refresher over the providers' token endpoints.
type HTTPRefresher struct {
	cfg    Config
	client *http.Client
}

// NewHTTPRefresher creates a refresher with a short-timeout HTTP client;
// token refresh happens synchronously on the selection path.
func NewHTTPRefresher(cfg Config) *HTTPRefresher {
	return &HTTPRefresher{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Refresh exchanges refreshToken at the provider's token endpoint.
func (r *HTTPRefresher) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*Token, error) {
	switch provider {
	case models.ProviderAntigravity:
		return r.refreshAntigravity(ctx, refreshToken)
	case models.ProviderKiro:
		return r.refreshKiro(ctx, refreshToken)
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

func (r *HTTPRefresher) refreshAntigravity(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {r.cfg.AntigravityClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.AntigravityTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errResp)
		if errResp.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, string(body))
		}
		return nil, fmt.Errorf("refresh failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		IDToken     string `json:"id_token"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing access_token")
	}

	return &Token{
		AccessToken: tokenResp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
		Email:       emailFromIDToken(tokenResp.IDToken),
	}, nil
}

func (r *HTTPRefresher) refreshKiro(ctx context.Context, refreshToken string) (*Token, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.KiroTokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// The kiro endpoint signals a dead refresh token with 400/403.
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, string(body))
		}
		return nil, fmt.Errorf("refresh failed: status=%d, body=%s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("refresh response missing accessToken")
	}

	expiresIn := tokenResp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	return &Token{
		AccessToken: tokenResp.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

// emailFromIDToken pulls the email claim out of an unverified ID token.
// The token came over TLS from the issuer itself, so signature verification
// adds nothing here; the claim is informational only.
func emailFromIDToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		log.WithError(err).Debug("failed to parse id_token")
		return ""
	}
	if email, ok := claims["email"].(string); ok {
		return email
	}
	return ""
}
