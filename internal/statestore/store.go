// Package statestore persists the worker's opaque generation snapshot to
// disk so a stopped worker can resume where it left off. The snapshot
// arrives over the worker link and is stored verbatim alongside a small
// JSON metadata sidecar.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dreamrelay/internal/common/fsutil"
	"dreamrelay/pkg/types"
)

const (
	stateFileName = "last_state.bin"
	metaFileName  = "state_meta.json"
)

// meta is the sidecar written next to the snapshot.
type meta struct {
	SavedAt    float64 `json:"saved_at"`
	SavedAtISO string  `json:"saved_at_iso"`
	SizeBytes  int64   `json:"size_bytes"`
}

// Store persists one worker snapshot per relay instance.
type Store struct {
	mu  sync.Mutex
	dir string
	log zerolog.Logger

	now func() time.Time
}

// New returns a Store rooted at dir. The directory is created lazily on
// the first Save.
func New(dir string, log zerolog.Logger) (*Store, error) {
	expanded, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, fmt.Errorf("expand state dir: %w", err)
	}
	return &Store{dir: expanded, log: log, now: time.Now}, nil
}

func (s *Store) statePath() string { return filepath.Join(s.dir, stateFileName) }
func (s *Store) metaPath() string  { return filepath.Join(s.dir, metaFileName) }

// Dir reports the resolved storage directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the snapshot and its metadata sidecar. The snapshot write
// is atomic so a crash mid-save never leaves a truncated file behind.
func (s *Store) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.statePath(), data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	now := s.now()
	m := meta{
		SavedAt:    float64(now.UnixNano()) / float64(time.Second),
		SavedAtISO: now.UTC().Format("2006-01-02T15:04:05Z"),
		SizeBytes:  int64(len(data)),
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state metadata: %w", err)
	}
	if err := fsutil.WriteFileAtomic(s.metaPath(), raw, 0o644); err != nil {
		return fmt.Errorf("write state metadata: %w", err)
	}

	s.log.Debug().Int("size_bytes", len(data)).Msg("state snapshot saved")
	return nil
}

// Load returns the last saved snapshot. ok is false when none exists.
func (s *Store) Load() (data []byte, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err = os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	s.log.Info().Int("size_bytes", len(data)).Msg("state snapshot loaded")
	return data, true, nil
}

// Clear removes the snapshot and its metadata. Clearing an empty store
// is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.statePath(), s.metaPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	s.log.Info().Msg("state snapshot cleared")
	return nil
}

// Info describes the saved snapshot without loading its payload.
func (s *Store) Info() types.StateInfoResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.metaPath())
	if err != nil {
		return types.StateInfoResponse{HasState: false}
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		s.log.Warn().Err(err).Msg("state metadata unreadable")
		return types.StateInfoResponse{HasState: false}
	}
	// The sidecar can outlive the snapshot if a Clear was interrupted.
	if !fsutil.PathExists(s.statePath()) {
		return types.StateInfoResponse{HasState: false}
	}

	nowUnix := float64(s.now().UnixNano()) / float64(time.Second)
	return types.StateInfoResponse{
		HasState:    true,
		SizeBytes:   m.SizeBytes,
		SavedAtUnix: int64(m.SavedAt),
		AgeSeconds:  nowUnix - m.SavedAt,
	}
}
