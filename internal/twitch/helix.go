package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"srbot/internal/core"
)

// DefaultHelixURL is the Helix API base.
const DefaultHelixURL = "https://api.twitch.tv/helix"

// Redemption statuses accepted by the redemptions endpoint.
const (
	StatusFulfilled = "FULFILLED"
	StatusCanceled  = "CANCELED"
)

const (
	redemptionsPageSize = 50
	// maxHelixAttempts caps rate-limit retries for a single call
	maxHelixAttempts = 5
	// maxRateLimitWait bounds how long a Ratelimit-Reset header may stall us
	maxRateLimitWait = 10 * time.Second
)

// Redemption is one channel-point redemption as returned by Helix.
type Redemption struct {
	ID        string `json:"id"`
	UserLogin string `json:"user_login"`
	UserInput string `json:"user_input"`
	Status    string `json:"status"`
}

// HelixClient talks to the Helix custom-reward redemption endpoints. It
// resolves and caches the broadcaster id on first use and retries a rejected
// call exactly once after a reactive token refresh.
type HelixClient struct {
	creds      *CredentialManager
	clientID   string
	rewardID   string
	apiBase    string
	httpClient *http.Client
	logger     *zap.Logger

	mu            sync.Mutex
	broadcasterID string
}

func NewHelixClient(cfg *core.TwitchConfig, creds *CredentialManager, logger *zap.Logger) *HelixClient {
	return &HelixClient{
		creds:         creds,
		clientID:      cfg.ClientID,
		rewardID:      cfg.SongRewardID,
		apiBase:       DefaultHelixURL,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger,
		broadcasterID: cfg.BroadcasterID,
	}
}

// RefundOldestForUser cancels the oldest unfulfilled redemption belonging to
// login, returning the points. It reports false without error when the user
// has no open redemption, which happens when the reward was already resolved
// out of band.
func (h *HelixClient) RefundOldestForUser(ctx context.Context, login string) (bool, error) {
	return h.resolveOldestForUser(ctx, login, StatusCanceled)
}

// FulfilOldestForUser marks the oldest unfulfilled redemption belonging to
// login as fulfilled.
func (h *HelixClient) FulfilOldestForUser(ctx context.Context, login string) (bool, error) {
	return h.resolveOldestForUser(ctx, login, StatusFulfilled)
}

func (h *HelixClient) resolveOldestForUser(ctx context.Context, login, status string) (bool, error) {
	login = strings.ToLower(strings.TrimPrefix(login, "@"))

	cursor := ""
	for {
		page, next, err := h.ListUnfulfilled(ctx, cursor)
		if err != nil {
			return false, err
		}
		for _, r := range page {
			if strings.ToLower(r.UserLogin) == login {
				if err := h.UpdateRedemptionStatus(ctx, r.ID, status); err != nil {
					return false, err
				}
				h.logger.Info("Redemption resolved",
					zap.String("login", login),
					zap.String("redemptionID", r.ID),
					zap.String("status", status))
				return true, nil
			}
		}
		if next == "" {
			return false, nil
		}
		cursor = next
	}
}

// ListUnfulfilled returns one page of unfulfilled redemptions for the
// configured reward, oldest first, plus the cursor for the next page.
func (h *HelixClient) ListUnfulfilled(ctx context.Context, cursor string) ([]Redemption, string, error) {
	broadcasterID, err := h.ensureBroadcasterID(ctx)
	if err != nil {
		return nil, "", err
	}

	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("reward_id", h.rewardID)
	q.Set("status", "UNFULFILLED")
	q.Set("sort", "OLDEST")
	q.Set("first", fmt.Sprint(redemptionsPageSize))
	if cursor != "" {
		q.Set("after", cursor)
	}

	var body struct {
		Data       []Redemption `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := h.doJSON(ctx, http.MethodGet, "/channel_points/custom_rewards/redemptions", q, &body); err != nil {
		return nil, "", fmt.Errorf("listing redemptions: %w", err)
	}
	return body.Data, body.Pagination.Cursor, nil
}

// UpdateRedemptionStatus sets a redemption to FULFILLED or CANCELED.
func (h *HelixClient) UpdateRedemptionStatus(ctx context.Context, redemptionID, status string) error {
	broadcasterID, err := h.ensureBroadcasterID(ctx)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("reward_id", h.rewardID)
	q.Set("id", redemptionID)

	payload := fmt.Sprintf(`{"status":%q}`, status)
	if err := h.do(ctx, http.MethodPatch, "/channel_points/custom_rewards/redemptions", q, payload, nil); err != nil {
		return fmt.Errorf("updating redemption %s: %w", redemptionID, err)
	}
	return nil
}

// ensureBroadcasterID resolves the id of the token's own user on first use.
func (h *HelixClient) ensureBroadcasterID(ctx context.Context) (string, error) {
	h.mu.Lock()
	cached := h.broadcasterID
	h.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := h.doJSON(ctx, http.MethodGet, "/users", nil, &body); err != nil {
		return "", fmt.Errorf("resolving broadcaster id: %w", err)
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("resolving broadcaster id: empty users response")
	}

	h.mu.Lock()
	h.broadcasterID = body.Data[0].ID
	h.mu.Unlock()
	h.logger.Info("Broadcaster id resolved",
		zap.String("login", body.Data[0].Login),
		zap.String("id", body.Data[0].ID))
	return body.Data[0].ID, nil
}

func (h *HelixClient) doJSON(ctx context.Context, method, path string, q url.Values, out any) error {
	return h.do(ctx, method, path, q, "", out)
}

// do performs one Helix request with auth headers. A 401 triggers a single
// reactive token refresh and retry; a second 401 surfaces as a credential
// failure so callers stop hammering the endpoint.
func (h *HelixClient) do(ctx context.Context, method, path string, q url.Values, payload string, out any) error {
	token, err := h.creds.Get(ctx)
	if err != nil {
		return err
	}

	retried := false
	attempts := 0
	for {
		status, header, body, err := h.roundTrip(ctx, method, path, q, payload, token)
		if err != nil {
			return err
		}

		switch {
		case status >= 200 && status < 300:
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decoding helix response: %w", err)
			}
			return nil

		case status == http.StatusUnauthorized:
			if retried {
				return fmt.Errorf("%w: helix rejected a freshly refreshed token",
					core.ErrCredentialUnavailable)
			}
			retried = true
			token, err = h.creds.Invalidate(ctx, token)
			if err != nil {
				return err
			}

		case status == http.StatusTooManyRequests:
			attempts++
			if attempts >= maxHelixAttempts {
				return fmt.Errorf("%w: helix %s %s", core.ErrRateLimited, method, path)
			}
			wait := rateLimitWait(header.Get("Ratelimit-Reset"))
			h.logger.Warn("Helix rate limited, waiting",
				zap.String("path", path), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}

		default:
			return fmt.Errorf("helix %s %s returned status %d: %s",
				method, path, status, strings.TrimSpace(string(body)))
		}
	}
}

// rateLimitWait derives a wait from the Ratelimit-Reset header, a unix epoch
// in seconds, clamped to something reasonable.
func rateLimitWait(reset string) time.Duration {
	wait := time.Second
	if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
		if until := time.Until(time.Unix(epoch, 0)); until > wait {
			wait = until
		}
	}
	if wait > maxRateLimitWait {
		wait = maxRateLimitWait
	}
	return wait
}

func (h *HelixClient) roundTrip(ctx context.Context, method, path string, q url.Values, payload, token string) (int, http.Header, []byte, error) {
	u := h.apiBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reqBody io.Reader
	if payload != "" {
		reqBody = strings.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building helix request: %w", err)
	}
	req.Header.Set("Client-Id", h.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("helix %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading helix response: %w", err)
	}
	return resp.StatusCode, resp.Header, body, nil
}
