package prstats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// checkpointRetentionPeriod is how long checkpoint files are kept
	// without being touched before cleanup.
	checkpointRetentionPeriod = 90 * 24 * time.Hour
	// checkpointDirPerms is the permission for checkpoint directories.
	checkpointDirPerms = 0o700
	// checkpointFilePerms is the permission for checkpoint files.
	checkpointFilePerms = 0o600
)

// CheckpointStore persists the last-synced record and cursor state per
// (repository, pr_number) so re-runs fetch only new data. Writes to the
// same key are serialized; different keys may be written concurrently.
type CheckpointStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// checkpointEntry is the on-disk layout of one checkpoint.
type checkpointEntry struct {
	Record  *ReconciledPR `json:"record"`
	Frozen  bool          `json:"frozen"`
	SavedAt time.Time     `json:"saved_at"`
}

// NewCheckpointStore creates a checkpoint store rooted at dir.
func NewCheckpointStore(dir string, logger *slog.Logger) (*CheckpointStore, error) {
	cleanPath := filepath.Clean(dir)
	if !filepath.IsAbs(cleanPath) {
		return nil, errors.New("checkpoint directory must be absolute path")
	}
	if err := os.MkdirAll(cleanPath, checkpointDirPerms); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &CheckpointStore{
		dir:    cleanPath,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}

	// Schedule cleanup in background
	go s.cleanOldCheckpoints()

	return s, nil
}

// Load returns the stored record for a PR, or nil if none exists.
// The second return value reports whether the record is frozen: terminal
// and fully fetched, so later runs skip it until explicitly forced.
func (s *CheckpointStore) Load(repository string, prNumber int) (*ReconciledPR, bool, error) {
	key := s.key(repository, prNumber)
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dir, key+".json")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("opening checkpoint: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			s.logger.Debug("failed to close checkpoint file", "error", closeErr, "path", path)
		}
	}()

	var entry checkpointEntry
	if err := json.NewDecoder(file).Decode(&entry); err != nil {
		// A corrupt checkpoint is treated as absent; the next sync
		// rebuilds it from a full fetch.
		s.logger.Warn("failed to decode checkpoint file, ignoring", "error", err, "path", path)
		return nil, false, nil
	}
	return entry.Record, entry.Frozen, nil
}

// Save persists a record and its cursor state. The write is atomic: data
// goes to a temp file first and is renamed into place, so a crashed run
// never leaves a torn checkpoint behind.
func (s *CheckpointStore) Save(repository string, prNumber int, record *ReconciledPR, frozen bool) error {
	key := s.key(repository, prNumber)
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	entry := checkpointEntry{
		Record:  record,
		Frozen:  frozen,
		SavedAt: time.Now(),
	}

	path := filepath.Join(s.dir, key+".json")
	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, checkpointFilePerms)
	if err != nil {
		return fmt.Errorf("creating checkpoint file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(entry); err != nil {
		s.discardTemp(file, tmpPath)
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := file.Close(); err != nil {
		if removeErr := os.Remove(tmpPath); removeErr != nil {
			s.logger.Debug("failed to remove temp file", "error", removeErr, "path", tmpPath)
		}
		return fmt.Errorf("closing checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		if removeErr := os.Remove(tmpPath); removeErr != nil {
			s.logger.Debug("failed to remove temp file", "error", removeErr, "path", tmpPath)
		}
		return fmt.Errorf("renaming checkpoint file: %w", err)
	}
	return nil
}

func (s *CheckpointStore) discardTemp(file *os.File, tmpPath string) {
	if closeErr := file.Close(); closeErr != nil {
		s.logger.Debug("failed to close temp file", "error", closeErr, "path", tmpPath)
	}
	if removeErr := os.Remove(tmpPath); removeErr != nil {
		s.logger.Debug("failed to remove temp file", "error", removeErr, "path", tmpPath)
	}
}

func (*CheckpointStore) key(repository string, prNumber int) string {
	hash := sha256.Sum256([]byte(repository + "/" + strconv.Itoa(prNumber)))
	return hex.EncodeToString(hash[:])
}

// keyLock returns the mutex serializing writes for one checkpoint key.
func (s *CheckpointStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *CheckpointStore) cleanOldCheckpoints() {
	ctx := context.Background()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read checkpoint directory", "error", err)
		return
	}

	cutoff := time.Now().Add(-checkpointRetentionPeriod)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.WarnContext(ctx, "failed to remove old checkpoint file", "path", path, "error", err)
			} else {
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.InfoContext(ctx, "cleaned old checkpoint files", "removed", removed)
	}
}
