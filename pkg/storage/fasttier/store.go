// Package fasttier implements the small, synchronous local store that holds
// the latest board snapshot. The store enforces a byte capacity across all of
// its keys, mirroring the per-origin quota of browser storage.
package fasttier

import (
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
)

var (
	// ErrQuotaExceeded is returned when a write would take the store over its
	// capacity. The previous value of the key is left intact.
	ErrQuotaExceeded = errors.New("fast tier quota exceeded")

	// ErrNotFound is returned when reading a key that was never written.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidKey is returned for keys that are empty or escape the store.
	ErrInvalidKey = errors.New("invalid key")
)

// DefaultScope is used for keys of boards without an identifier.
const DefaultScope = "default"

// Version kinds
const (
	KindDataState = "data-state"
	KindFiles     = "files"
)

const tmpSuffix = ".tmp"

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Usage reports how much of the store's capacity is in use.
type Usage struct {
	UsedBytes     int64
	CapacityBytes int64
}

// Store is a capacity-limited key/value store on an afero filesystem. Keys are
// slash-separated paths below the store root.
type Store struct {
	fs       afero.Fs
	root     string
	capacity int64
	logger   hclog.Logger

	mu sync.Mutex
}

// New creates a Store rooted at root on fs. A capacity of zero or less means
// unlimited.
func New(fs afero.Fs, root string, capacity int64, logger hclog.Logger) (*Store, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fast tier root %s: %w", root, err)
	}
	return &Store{
		fs:       fs,
		root:     root,
		capacity: capacity,
		logger:   logger.Named("fast-tier"),
	}, nil
}

// Key builds the key of name within scope. An empty scope maps to
// DefaultScope.
func Key(scope, name string) string {
	if scope == "" {
		scope = DefaultScope
	}
	return scope + "/" + name
}

// Write stores value under key, replacing any previous value. The write is
// rejected with ErrQuotaExceeded if the store would exceed its capacity.
func (s *Store) Write(key string, value []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 {
		used, err := s.usageLocked()
		if err != nil {
			return err
		}
		var existing int64
		if fi, err := s.fs.Stat(p); err == nil {
			existing = fi.Size()
		}
		if next := used - existing + int64(len(value)); next > s.capacity {
			return fmt.Errorf("%w: writing %d bytes to %s would use %d of %d bytes",
				ErrQuotaExceeded, len(value), key, next, s.capacity)
		}
	}

	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	// Write to a sibling and rename so readers never observe a torn value
	tmp := p + tmpSuffix
	if err := afero.WriteFile(s.fs, tmp, value, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}

	s.logger.Trace("wrote key", "key", key, "bytes", len(value))
	return nil
}

// Read returns the value stored under key, or ErrNotFound.
func (s *Store) Read(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// Usage reports the bytes stored and the configured capacity.
func (s *Store) Usage() (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.usageLocked()
	if err != nil {
		return Usage{}, err
	}
	return Usage{UsedBytes: used, CapacityBytes: s.capacity}, nil
}

// BumpVersion records that state of the given kind changed in scope and
// returns the new stamp. Stamps strictly increase per scope and kind.
func (s *Store) BumpVersion(scope, kind string) (int64, error) {
	prev, err := s.Version(scope, kind)
	if err != nil {
		return 0, err
	}
	next := time.Now().UnixNano()
	if next <= prev {
		next = prev + 1
	}
	if err := s.Write(versionKey(scope, kind), []byte(strconv.FormatInt(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// Version returns the latest stamp for kind in scope, or zero if none was
// recorded.
func (s *Store) Version(scope, kind string) (int64, error) {
	data, err := s.Read(versionKey(scope, kind))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		s.logger.Warn("discarding malformed version stamp", "scope", scope, "kind", kind, "error", err)
		return 0, nil
	}
	return v, nil
}

// IsNewer reports whether the stored stamp for kind is more recent than seen,
// meaning another writer has persisted fresher state.
func (s *Store) IsNewer(scope, kind string, seen int64) (bool, error) {
	v, err := s.Version(scope, kind)
	if err != nil {
		return false, err
	}
	return v > seen, nil
}

func versionKey(scope, kind string) string {
	return Key(scope, "version-"+kind)
}

func (s *Store) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." || seg == ".." || !segmentPattern.MatchString(seg) || strings.HasSuffix(seg, tmpSuffix) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return path.Join(s.root, key), nil
}

func (s *Store) usageLocked() (int64, error) {
	var used int64
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute fast tier usage: %w", err)
	}
	return used, nil
}
