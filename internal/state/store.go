// Package state persists which segments of a working directory have been
// downloaded or have failed, so an interrupted download can resume.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"hlsfetch/internal/logger"
	"hlsfetch/internal/workdir"
)

// State is a point-in-time copy of the resume state.
type State struct {
	Downloaded map[int]struct{}
	Failed     map[int]struct{}
	LastUpdate time.Time
}

// fileState is the on-disk representation.
type fileState struct {
	DownloadedSegments []int   `json:"downloaded_segments"`
	FailedSegments     []int   `json:"failed_segments"`
	LastUpdateTime     float64 `json:"last_update_time"`
}

// Store owns the resume state of one working directory. Every mutation is
// persisted before the lock is released, so the file never holds a
// half-applied update.
type Store struct {
	mu         sync.Mutex
	path       string
	downloaded map[int]struct{}
	failed     map[int]struct{}
	lastUpdate time.Time
	logger     logger.Logger
}

// Load reads the state file from workDir. A missing file yields an empty
// state; an unreadable or malformed one is logged and ignored.
// Downloaded indices whose artifact is missing or empty are moved to the
// failed set, and an index present in both sets counts as failed.
func Load(workDir string, log logger.Logger) *Store {
	s := &Store{
		path:       filepath.Join(workDir, workdir.StateFileName),
		downloaded: make(map[int]struct{}),
		failed:     make(map[int]struct{}),
		logger:     log,
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Failed to read state file %s, starting fresh: %v", s.path, err)
		}
		return s
	}

	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		log.Warnf("State file %s is malformed, starting fresh: %v", s.path, err)
		return s
	}

	for _, i := range fs.FailedSegments {
		s.failed[i] = struct{}{}
	}
	demoted := 0
	for _, i := range fs.DownloadedSegments {
		if _, ok := s.failed[i]; ok {
			continue
		}
		if _, ok := workdir.FindArtifact(workDir, i); !ok {
			s.failed[i] = struct{}{}
			demoted++
			continue
		}
		s.downloaded[i] = struct{}{}
	}
	if fs.LastUpdateTime > 0 {
		sec, frac := math.Modf(fs.LastUpdateTime)
		s.lastUpdate = time.Unix(int64(sec), int64(frac*1e9))
	}

	log.Infof("Loaded state: %d downloaded, %d failed", len(s.downloaded), len(s.failed))
	if demoted > 0 {
		log.Warnf("%d segments recorded as downloaded are missing on disk", demoted)
	}
	return s
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// MarkDownloaded records index as downloaded and persists the state.
func (s *Store) MarkDownloaded(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloaded[index] = struct{}{}
	delete(s.failed, index)
	return s.saveLocked()
}

// MarkFailed records index as failed and persists the state.
func (s *Store) MarkFailed(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[index] = struct{}{}
	delete(s.downloaded, index)
	return s.saveLocked()
}

// IsDownloaded reports whether index is recorded as downloaded.
func (s *Store) IsDownloaded(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.downloaded[index]
	return ok
}

// IsFailed reports whether index is recorded as failed.
func (s *Store) IsFailed(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[index]
	return ok
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{
		Downloaded: make(map[int]struct{}, len(s.downloaded)),
		Failed:     make(map[int]struct{}, len(s.failed)),
		LastUpdate: s.lastUpdate,
	}
	for i := range s.downloaded {
		st.Downloaded[i] = struct{}{}
	}
	for i := range s.failed {
		st.Failed[i] = struct{}{}
	}
	return st
}

// Save persists the current state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.lastUpdate = time.Now()
	fs := fileState{
		DownloadedSegments: sortedKeys(s.downloaded),
		FailedSegments:     sortedKeys(s.failed),
		LastUpdateTime:     float64(s.lastUpdate.UnixNano()) / 1e9,
	}

	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), workdir.StateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func sortedKeys(m map[int]struct{}) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
