// Package artifact implements the content-addressed local cache of lock
// files and atomic binaries, and the download path that fills it.
//
// The cache keeps one directory per namespace/name/version holding the lock
// file verbatim plus, for wasm actions, the binary under its distribution
// filename. Writes go to a temporary sibling and are renamed into place, so
// readers never observe a partial file and concurrent writers at worst race
// to publish identical content.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/starthubhq/runner/internal/config"
	"github.com/starthubhq/runner/internal/ctxlog"
	"github.com/starthubhq/runner/internal/manifest"
	"github.com/starthubhq/runner/internal/ref"
)

// lockFileName is the on-disk manifest filename, both remotely and in cache.
const lockFileName = "starthub-lock.json"

// Puller pulls a container image through the local daemon. The default
// implementation lives in the sandbox package; tests inject fakes.
type Puller interface {
	Pull(ctx context.Context, image string) error
}

// Store fetches and caches action artifacts.
type Store struct {
	endpoint  string
	cacheDir  string
	authToken string
	client    *http.Client
	puller    Puller

	attempts int
	backoff  time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithPuller sets the container image puller.
func WithPuller(p Puller) Option {
	return func(s *Store) { s.puller = p }
}

// WithRetry overrides the retry policy for transport failures.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		s.attempts = attempts
		s.backoff = backoff
	}
}

// New creates a Store over the given configuration.
func New(cfg *config.Config, opts ...Option) *Store {
	s := &Store{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		cacheDir:  cfg.CacheDir,
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: 60 * time.Second},
		attempts:  3,
		backoff:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// actionDir returns the cache directory for one action version.
func (s *Store) actionDir(r ref.Ref) string {
	return filepath.Join(s.cacheDir, r.Namespace, r.Name, r.Version)
}

// manifestURL builds the remote lock-file URL for an action.
func (s *Store) manifestURL(r ref.Ref) string {
	return fmt.Sprintf("%s/artifacts/%s/%s/%s/%s", s.endpoint, r.Namespace, r.Name, r.Version, lockFileName)
}

// FetchManifest returns the action's parsed lock file, downloading and
// caching it on first use. A cached manifest is served without network I/O.
func (s *Store) FetchManifest(ctx context.Context, r ref.Ref) (*manifest.Manifest, error) {
	logger := ctxlog.FromContext(ctx)
	cached := filepath.Join(s.actionDir(r), lockFileName)

	if f, err := os.Open(cached); err == nil {
		defer f.Close()
		logger.Debug("Manifest served from cache.", "ref", r.String())
		return manifest.Decode(f, cached)
	}

	u := s.manifestURL(r)
	logger.Debug("Fetching manifest.", "ref", r.String(), "url", u)
	if err := s.downloadFile(ctx, r, u, cached); err != nil {
		return nil, err
	}

	f, err := os.Open(cached)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return manifest.Decode(f, cached)
}

// FetchBinary materialises the executable artifact for an atomic action. For
// wasm actions it returns the cached binary path, verifying the manifest's
// digest. For container actions it pulls the image through the daemon and
// returns the image reference unchanged.
func (s *Store) FetchBinary(ctx context.Context, r ref.Ref, m *manifest.Manifest) (string, error) {
	logger := ctxlog.FromContext(ctx)

	switch m.Kind {
	case manifest.KindWasm:
		name := distributionFilename(m.Distribution.Primary)
		cached := filepath.Join(s.actionDir(r), name)

		if ok, err := s.digestMatches(cached, m.Digest); err != nil {
			return "", err
		} else if ok {
			logger.Debug("Binary served from cache.", "ref", r.String(), "path", cached)
			return cached, nil
		}

		logger.Debug("Downloading binary.", "ref", r.String(), "url", m.Distribution.Primary)
		if err := s.downloadFile(ctx, r, m.Distribution.Primary, cached); err != nil {
			return "", err
		}
		if ok, err := s.digestMatches(cached, m.Digest); err != nil {
			return "", err
		} else if !ok {
			got, _ := fileDigest(cached)
			_ = os.Remove(cached)
			return "", &DigestMismatchError{Ref: r, Want: m.Digest, Got: got}
		}
		return cached, nil

	case manifest.KindContainer:
		image := imageReference(m.Distribution.Primary)
		if s.puller == nil {
			return "", fmt.Errorf("no container puller configured")
		}
		logger.Debug("Pulling container image.", "ref", r.String(), "image", image)
		if err := s.puller.Pull(ctx, image); err != nil {
			return "", err
		}
		return image, nil

	default:
		return "", fmt.Errorf("action %s is not atomic", r.String())
	}
}

// digestMatches reports whether the file exists and hashes to the declared
// digest. A missing file is simply a cache miss, not an error.
func (s *Store) digestMatches(path, declared string) (bool, error) {
	got, err := fileDigest(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return got == normalizeDigest(declared), nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalizeDigest(d string) string {
	return strings.TrimPrefix(strings.TrimSpace(d), "sha256:")
}

// distributionFilename derives the cached filename from the distribution URL.
func distributionFilename(primary string) string {
	if u, err := url.Parse(primary); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "artifact.bin"
}

// imageReference strips the oci:// scheme the publishing pipeline writes,
// leaving a reference the container daemon understands.
func imageReference(primary string) string {
	return strings.TrimPrefix(primary, "oci://")
}
