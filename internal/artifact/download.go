package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/starthubhq/runner/internal/ctxlog"
	"github.com/starthubhq/runner/internal/ref"
)

// downloadFile fetches a URL into dest atomically: the body streams into a
// `.part` sibling which is renamed over dest on success. Transport failures
// and server errors are retried with exponential backoff; missing artifacts
// and rejected credentials are not.
func (s *Store) downloadFile(ctx context.Context, r ref.Ref, url, dest string) error {
	logger := ctxlog.FromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			delay := s.backoff << (attempt - 2)
			logger.Debug("Retrying download.", "url", url, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.tryDownload(ctx, url, dest)
		if err == nil {
			return nil
		}
		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			return s.classify(err, r)
		}
		lastErr = err
	}
	return s.classify(lastErr, r)
}

// tryDownload performs one download attempt.
func (s *Store) tryDownload(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to the copy below
	case resp.StatusCode == http.StatusNotFound:
		return errStatusNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{URL: url, Status: resp.StatusCode}
	case resp.StatusCode >= 500:
		return &NetworkError{URL: url, Err: fmt.Errorf("server returned %s", resp.Status)}
	default:
		return fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
	}

	part, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return err
	}
	defer func() {
		part.Close()
		os.Remove(part.Name())
	}()

	if _, err := io.Copy(part, resp.Body); err != nil {
		return &NetworkError{URL: url, Err: err}
	}
	if err := part.Close(); err != nil {
		return err
	}
	return os.Rename(part.Name(), dest)
}

// classify maps terminal download failures onto the store's error taxonomy.
func (s *Store) classify(err error, r ref.Ref) error {
	if err == errStatusNotFound {
		return &NotFoundError{Ref: r}
	}
	return err
}
