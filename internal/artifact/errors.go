package artifact

import (
	"errors"
	"fmt"

	"github.com/starthubhq/runner/internal/ref"
)

// errStatusNotFound is an internal marker for a 404 response; downloadFile
// translates it into a NotFoundError carrying the action reference.
var errStatusNotFound = errors.New("artifact not found")

// NotFoundError reports a lock file or binary missing from the endpoint.
type NotFoundError struct {
	Ref ref.Ref
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("manifest not found for %s", e.Ref.String())
}

// DigestMismatchError reports downloaded content whose hash disagrees with
// the manifest-declared digest.
type DigestMismatchError struct {
	Ref  ref.Ref
	Want string
	Got  string
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: want %s, got sha256:%s", e.Ref.String(), e.Want, e.Got)
}

// NetworkError is a retryable transport-level failure.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials; it is not retried.
type AuthError struct {
	URL    string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed fetching %s (status %d)", e.URL, e.Status)
}
