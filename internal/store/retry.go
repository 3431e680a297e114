package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/froz-husain/sketchsync/internal/model"
)

// DefaultUpdateAttempts bounds the read-modify-write loop before the
// conflict is surfaced as a user-visible save failure.
const DefaultUpdateAttempts = 5

// UpdateWithRetry is the single read-modify-write primitive used by every
// caller that mutates a shared document. mutate receives the current
// document (nil if absent) and returns the desired state, or nil to leave
// the document untouched. On a revision conflict the current document is
// re-read and mutate re-applied, so concurrent set-union style updates
// merge instead of clobbering each other.
func UpdateWithRetry(ctx context.Context, s Store, key string, mutate func(current *model.Document) (*model.Document, error), maxAttempts int) (*model.Document, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultUpdateAttempts
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := s.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		next, err := mutate(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		next.Key = key
		if current != nil {
			next.Rev = current.Rev
		} else {
			next.Rev = ""
		}

		written, err := s.Put(ctx, next)
		if err == nil {
			return written, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("update %s: %d attempts exhausted: %w", key, maxAttempts, lastErr)
}
