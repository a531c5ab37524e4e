package spotify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"srbot/internal/core"
	"srbot/internal/store"
	"srbot/pkg/text"
)

// trackAPI is the read surface the resolver needs from the Spotify client.
type trackAPI interface {
	SearchTracks(ctx context.Context, query string) ([]core.Track, error)
	GetTrack(ctx context.Context, trackID string) (*core.Track, error)
	RecentlyPlayed(ctx context.Context) ([]string, error)
}

// Resolver turns free-text or direct-link input into a canonical track
// reference. Direct links bypass search entirely. Free-text queries shaped
// like "<title> by <artist>" try a field-qualified search before the plain
// one, and candidate selection biases away from recently played tracks.
//
// The recently-played set is advisory only: refresh failures are logged and
// resolution proceeds without the bias.
type Resolver struct {
	api    trackAPI
	recent *store.RecentStore
	logger *zap.Logger

	ttl         time.Duration
	mu          sync.Mutex
	refreshedAt time.Time
}

func NewResolver(api trackAPI, recent *store.RecentStore, ttl time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		api:    api,
		recent: recent,
		logger: logger,
		ttl:    ttl,
	}
}

// Resolve implements core.Resolver. It returns core.ErrSearchFailed only
// when every search path produced zero candidates.
func (r *Resolver) Resolve(ctx context.Context, rawQuery string) (*core.Track, error) {
	query := text.NormalizeQuery(rawQuery)

	if trackID := text.ExtractTrackID(query); trackID != "" {
		track, err := r.api.GetTrack(ctx, trackID)
		if err != nil {
			return nil, fmt.Errorf("direct track lookup: %w", err)
		}
		return track, nil
	}

	r.refreshRecent(ctx)

	var candidates []core.Track

	if title, artist, ok := text.SplitTitleArtist(query); ok {
		structuredQuery := fmt.Sprintf("track:%q artist:%q", title, artist)
		results, err := r.api.SearchTracks(ctx, structuredQuery)
		if err != nil {
			r.logger.Warn("Structured search failed, falling back to plain search",
				zap.String("query", structuredQuery), zap.Error(err))
		} else if len(results) > 0 {
			candidates = results
		}
	}

	if len(candidates) == 0 {
		results, err := r.api.SearchTracks(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		candidates = results
	}

	if len(candidates) == 0 {
		return nil, core.ErrSearchFailed
	}

	for i := range candidates {
		if !r.recent.Has(candidates[i].ID) {
			return &candidates[i], nil
		}
	}

	// Everything on offer was recently played; the first hit is still the
	// best answer (structured results, when present, never reach the plain
	// fallback).
	return &candidates[0], nil
}

// refreshRecent reloads the recently-played snapshot at most once per TTL.
func (r *Resolver) refreshRecent(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.refreshedAt.IsZero() && time.Since(r.refreshedAt) < r.ttl {
		return
	}

	ids, err := r.api.RecentlyPlayed(ctx)
	if err != nil {
		r.logger.Warn("Could not refresh recently played tracks", zap.Error(err))
		return
	}

	r.recent.ReplaceAll(ids)
	r.refreshedAt = time.Now()
	r.logger.Debug("Recently played snapshot refreshed", zap.Int("tracks", len(ids)))
}
