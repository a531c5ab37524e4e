package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"srbot/internal/core"
)

const (
	// DefaultOAuthURL is the Twitch token endpoint.
	DefaultOAuthURL = "https://id.twitch.tv/oauth2/token"

	// refreshWindow is how close to expiry a token may get before Get
	// refreshes it preemptively instead of handing it out.
	refreshWindow = 5 * time.Minute
)

// CredentialManager holds the broadcaster's Helix access/refresh token pair
// and keeps the access token fresh. Get refreshes preemptively near expiry;
// Invalidate performs a reactive refresh after a rejected call. All refreshes
// run under one mutex, so concurrent callers share a single round-trip.
type CredentialManager struct {
	clientID     string
	clientSecret string
	oauthURL     string
	httpClient   *http.Client
	logger       *zap.Logger

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time // zero when the expiry is unknown
}

func NewCredentialManager(cfg *core.TwitchConfig, logger *zap.Logger) *CredentialManager {
	return &CredentialManager{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		oauthURL:     DefaultOAuthURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       logger,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,
	}
}

// Get returns a valid access token, refreshing it first when it is within
// the refresh window of its expiry. A token with unknown expiry is used
// as-is until a call fails and triggers Invalidate.
func (cm *CredentialManager) Get(ctx context.Context) (string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.accessToken != "" {
		if cm.expiresAt.IsZero() || time.Until(cm.expiresAt) > refreshWindow {
			return cm.accessToken, nil
		}
	}
	return cm.refreshLocked(ctx)
}

// Invalidate refreshes after the given token was rejected upstream and
// returns the replacement. If the current token already differs from the
// rejected one, another caller refreshed in the meantime and the current
// token is returned without a second round-trip.
func (cm *CredentialManager) Invalidate(ctx context.Context, rejected string) (string, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.accessToken != "" && cm.accessToken != rejected {
		return cm.accessToken, nil
	}
	return cm.refreshLocked(ctx)
}

func (cm *CredentialManager) refreshLocked(ctx context.Context) (string, error) {
	if cm.refreshToken == "" {
		return "", fmt.Errorf("%w: no refresh token configured", core.ErrCredentialUnavailable)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cm.refreshToken)
	form.Set("client_id", cm.clientID)
	form.Set("client_secret", cm.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cm.oauthURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := cm.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("refreshing access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden {
		// the refresh token itself was rejected; only re-authorization helps
		return "", fmt.Errorf("%w: token refresh rejected with status %d",
			core.ErrCredentialUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token refresh failed with status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding token refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token refresh response carried no access token")
	}

	cm.accessToken = body.AccessToken
	if body.RefreshToken != "" {
		// Twitch rotates refresh tokens; keep the new one or the pair dies
		cm.refreshToken = body.RefreshToken
	}
	if body.ExpiresIn > 0 {
		cm.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	} else {
		cm.expiresAt = time.Time{}
	}

	cm.logger.Info("Helix access token refreshed",
		zap.Time("expiresAt", cm.expiresAt))
	return cm.accessToken, nil
}
