package core

import "errors"

var (
	// ErrNotFound means the moderation target (position or user) matched no
	// pending request.
	ErrNotFound = errors.New("no matching pending request")

	// ErrSearchFailed means the resolver found no track for the query.
	ErrSearchFailed = errors.New("no track found for query")

	// ErrNoActiveDevice means the playback resource has no active endpoint.
	// Dispatch against it is pointless until a device comes back; the
	// deferred queue poller is the retry mechanism.
	ErrNoActiveDevice = errors.New("no active playback device")

	// ErrRateLimited means the upstream kept rate-limiting past the retry cap.
	ErrRateLimited = errors.New("rate limited")

	// ErrCredentialUnavailable means the rewards-ledger token could not be
	// refreshed. Ledger operations are dead until an operator re-authorizes;
	// playback dispatch is unaffected.
	ErrCredentialUnavailable = errors.New("rewards credential unavailable")
)
