package review

import "errors"

var (
	// ErrNotFound reports a missing PR, repository, or comment.
	ErrNotFound = errors.New("not found")

	// ErrAuthFailed reports rejected or missing credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoProvider reports that no provider could be resolved for a
	// repository remote.
	ErrNoProvider = errors.New("no review provider detected")
)
