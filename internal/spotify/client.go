// Package spotify wraps the Spotify Web API: track search and metadata reads
// for the resolver, and the rate-limited queue dispatch path.
package spotify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	spotifyapi "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"srbot/internal/core"
)

const (
	// MaxSearchResults limits candidates fetched per search
	MaxSearchResults = 10
	// RecentlyPlayedLimit is the snapshot size for the repeat-avoidance set
	RecentlyPlayedLimit = 50
	// maxQueueAttempts caps retries for a single queue-add dispatch
	maxQueueAttempts = 5
	// minRetryWait is the floor for any backoff wait
	minRetryWait = 250 * time.Millisecond
)

// Client talks to the Spotify Web API. Reads go through the zmb3 client; the
// queue-add dispatch uses the same authenticated HTTP client directly so the
// response status and Retry-After header stay visible to the retry loop.
type Client struct {
	config *core.SpotifyConfig
	logger *zap.Logger
	api    *spotifyapi.Client
	http   *http.Client

	apiBase   string
	baseDelay time.Duration
	onRetry   func()
}

// SetRetryHook registers a callback invoked once per retried dispatch
// attempt, used to feed the retry counter.
func (c *Client) SetRetryHook(fn func()) {
	c.onRetry = fn
}

func (c *Client) noteRetry() {
	if c.onRetry != nil {
		c.onRetry()
	}
}

// NewClient builds a client whose token pair is managed by the oauth2
// refresh-token flow; access tokens renew transparently before each call.
func NewClient(ctx context.Context, config *core.SpotifyConfig, logger *zap.Logger) *Client {
	auth := spotifyauth.New(
		spotifyauth.WithClientID(config.ClientID),
		spotifyauth.WithClientSecret(config.ClientSecret),
	)
	httpClient := auth.Client(ctx, &oauth2.Token{RefreshToken: config.RefreshToken})

	return &Client{
		config:    config,
		logger:    logger,
		api:       spotifyapi.New(httpClient),
		http:      httpClient,
		apiBase:   "https://api.spotify.com/v1",
		baseDelay: 500 * time.Millisecond,
	}
}

// SearchTracks runs a track search and converts the results.
func (c *Client) SearchTracks(ctx context.Context, query string) ([]core.Track, error) {
	opts := []spotifyapi.RequestOption{spotifyapi.Limit(MaxSearchResults)}
	if c.config.SearchMarket != "" {
		opts = append(opts, spotifyapi.Market(c.config.SearchMarket))
	}

	results, err := c.api.Search(ctx, query, spotifyapi.SearchTypeTrack, opts...)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if results.Tracks == nil {
		return nil, nil
	}

	tracks := make([]core.Track, 0, len(results.Tracks.Tracks))
	for i := range results.Tracks.Tracks {
		tracks = append(tracks, convertTrack(&results.Tracks.Tracks[i]))
	}
	return tracks, nil
}

// GetTrack fetches metadata for a known track ID.
func (c *Client) GetTrack(ctx context.Context, trackID string) (*core.Track, error) {
	track, err := c.api.GetTrack(ctx, spotifyapi.ID(trackID))
	if err != nil {
		return nil, fmt.Errorf("failed to get track: %w", err)
	}
	converted := convertTrack(track)
	return &converted, nil
}

// RecentlyPlayed returns the IDs of the listener's recently played tracks.
func (c *Client) RecentlyPlayed(ctx context.Context) ([]string, error) {
	items, err := c.api.PlayerRecentlyPlayedOpt(ctx, &spotifyapi.RecentlyPlayedOptions{Limit: RecentlyPlayedLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to get recently played: %w", err)
	}

	ids := make([]string, 0, len(items))
	for i := range items {
		if id := string(items[i].Track.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// HasActiveDevice checks the player state for an active playback device.
// Any failure reads as "no device": the caller's fallback (deferring the
// dispatch) is the safe outcome either way.
func (c *Client) HasActiveDevice(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/me/player", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	// 204 means nothing is playing anywhere
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode != http.StatusOK {
		return false
	}

	var state struct {
		Device struct {
			IsActive bool `json:"is_active"`
		} `json:"device"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return false
	}
	return state.Device.IsActive
}

// AddToQueue dispatches a track URI into the playback queue. A missing
// active device surfaces as core.ErrNoActiveDevice without retrying; rate
// limits honor the server's Retry-After hint and otherwise back off
// exponentially with jitter, up to maxQueueAttempts total attempts.
func (c *Client) AddToQueue(ctx context.Context, trackURI string) error {
	u := c.apiBase + "/me/player/queue?uri=" + url.QueryEscape(trackURI)

	for attempt := 0; attempt < maxQueueAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return fmt.Errorf("failed to build queue request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxQueueAttempts-1 {
				return fmt.Errorf("queue request failed: %w", err)
			}
			c.noteRetry()
			c.sleep(ctx, c.backoff(attempt))
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil

		case resp.StatusCode == http.StatusNotFound:
			return core.ErrNoActiveDevice

		case resp.StatusCode == http.StatusTooManyRequests:
			if attempt == maxQueueAttempts-1 {
				return fmt.Errorf("queue add: %w", core.ErrRateLimited)
			}
			c.noteRetry()
			c.sleep(ctx, retryAfterWait(resp.Header.Get("Retry-After"), c.backoff(attempt)))

		case resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusUnauthorized ||
			resp.StatusCode == http.StatusRequestTimeout:
			if attempt == maxQueueAttempts-1 {
				return fmt.Errorf("queue add failed: status %d: %s", resp.StatusCode, truncate(body))
			}
			c.noteRetry()
			c.sleep(ctx, c.backoff(attempt))

		default:
			return fmt.Errorf("queue add failed: status %d: %s", resp.StatusCode, truncate(body))
		}
	}

	return fmt.Errorf("queue add: %w", core.ErrRateLimited)
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay << attempt
	jitter := time.Duration(rand.Int63n(int64(c.baseDelay)/2 + 1)) //nolint:gosec // scheduling jitter, not security
	if d+jitter < minRetryWait {
		return minRetryWait
	}
	return d + jitter
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func retryAfterWait(header string, fallback time.Duration) time.Duration {
	secs, err := strconv.ParseFloat(header, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	wait := time.Duration(secs * float64(time.Second))
	if wait < minRetryWait {
		return minRetryWait
	}
	return wait
}

func truncate(b []byte) string {
	const max = 120
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}

func convertTrack(t *spotifyapi.FullTrack) core.Track {
	artists := ""
	for i, a := range t.Artists {
		if i > 0 {
			artists += ", "
		}
		artists += a.Name
	}

	id := string(t.ID)
	return core.Track{
		ID:      id,
		Title:   t.Name,
		Artists: artists,
		URI:     "spotify:track:" + id,
		URL:     t.ExternalURLs["spotify"],
	}
}
