package worker

import (
	"context"
	"errors"
	"strings"

	"github.com/stackworks/steward/internal/developer"
)

var (
	// ErrNoIdleWorker is returned when the pool is at capacity and no
	// worker is IDLE.
	ErrNoIdleWorker = errors.New("no idle worker available")

	// ErrWorkerBusy is returned when a worker's current state does not
	// permit the requested action.
	ErrWorkerBusy = errors.New("worker busy")

	// ErrWorkerQuarantined is returned for workers parked in STOPPED
	// after repeated consecutive failures.
	ErrWorkerQuarantined = errors.New("worker quarantined")

	// ErrNoTask is returned when execution is requested without an
	// assigned task.
	ErrNoTask = errors.New("worker has no assigned task")

	// ErrRetryBackoff is returned when execution is requested before the
	// worker's retry backoff window has elapsed.
	ErrRetryBackoff = errors.New("worker in retry backoff")

	// ErrPoolNotInitialized is returned for pool operations before
	// InitializePool or after Shutdown.
	ErrPoolNotInitialized = errors.New("worker pool not initialized")
)

// permanentPhrases mark failures that retrying cannot fix. Matching is
// substring-based on the lowercased error chain text.
var permanentPhrases = []string{
	"permission denied",
	"authentication failed",
	"invalid credentials",
	"invalid api key",
	"unauthorized",
	"file not found",
	"no such file or directory",
	"executable file not found",
	"compilation failed",
	"syntax error",
}

// IsPermanent reports whether err is a permanent failure: one where the
// worker should give up and return to IDLE instead of retrying.
// Everything else is treated as transient, the quarantine threshold
// bounds how long an unknown failure is retried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, developer.ErrBinaryNotFound) {
		return true
	}
	if developer.IsRateLimited(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range permanentPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
