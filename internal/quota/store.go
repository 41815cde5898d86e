package quota

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ErrCacheNotFound reports that no usable cached snapshot exists.
var ErrCacheNotFound = errors.New("quota store: no cached snapshot")

// cacheEntry is the on-disk layout of quota_cache.json.
type cacheEntry struct {
	Email                  string       `json:"email"`
	PlanName               string       `json:"plan_name"`
	Timestamp              string       `json:"timestamp"`
	PromptCreditsAvailable int64        `json:"prompt_credits_available"`
	PromptCreditsMonthly   int64        `json:"prompt_credits_monthly"`
	FlowCreditsAvailable   int64        `json:"flow_credits_available"`
	FlowCreditsMonthly     int64        `json:"flow_credits_monthly"`
	Models                 []ModelQuota `json:"models"`
}

var requiredCacheKeys = []string{"email", "plan_name", "timestamp", "models"}

// Store keeps a single snapshot in a JSON file. Writes replace the file
// atomically; concurrent writers from other processes are last-writer-wins.
type Store struct {
	mu       sync.Mutex
	filePath string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{filePath: path}
}

// Path returns the cache file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.filePath
}

// Save replaces the cached snapshot.
func (s *Store) Save(snapshot *Snapshot) error {
	if s == nil || snapshot == nil {
		return nil
	}
	entry := cacheEntry{
		Email:                  snapshot.Email,
		PlanName:               snapshot.PlanName,
		Timestamp:              snapshot.CapturedAt.UTC().Format(time.RFC3339Nano),
		PromptCreditsAvailable: snapshot.PromptCredits.Available,
		PromptCreditsMonthly:   snapshot.PromptCredits.Monthly,
		FlowCreditsAvailable:   snapshot.FlowCredits.Available,
		FlowCreditsMonthly:     snapshot.FlowCredits.Monthly,
		Models:                 snapshot.Models,
	}
	if entry.Models == nil {
		entry.Models = []ModelQuota{}
	}

	raw, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("quota store: marshal failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("quota store: create dir failed: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return fmt.Errorf("quota store: write tmp failed: %w", err)
	}

	if err := os.Rename(tmpFile, s.filePath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("quota store: rename failed: %w", err)
	}
	return nil
}

// Load returns the cached snapshot with Origin CACHED and Age measured
// against now. A missing, empty or malformed file yields ErrCacheNotFound.
func (s *Store) Load(now time.Time) (*Snapshot, error) {
	if s == nil || s.filePath == "" {
		return nil, ErrCacheNotFound
	}
	s.mu.Lock()
	raw, err := os.ReadFile(s.filePath)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCacheNotFound
		}
		return nil, fmt.Errorf("%w: read failed: %v", ErrCacheNotFound, err)
	}
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", ErrCacheNotFound, s.filePath)
	}
	for _, key := range requiredCacheKeys {
		if !gjson.GetBytes(raw, key).Exists() {
			return nil, fmt.Errorf("%w: %s has no %q", ErrCacheNotFound, s.filePath, key)
		}
	}

	var entry cacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: unmarshal failed: %v", ErrCacheNotFound, err)
	}
	capturedAt, err := time.Parse(time.RFC3339Nano, entry.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrCacheNotFound, entry.Timestamp)
	}

	age := now.Sub(capturedAt)
	if age < 0 {
		age = 0
	}
	return &Snapshot{
		Email:         entry.Email,
		PlanName:      entry.PlanName,
		Models:        entry.Models,
		CapturedAt:    capturedAt.UTC(),
		PromptCredits: Credits{Available: entry.PromptCreditsAvailable, Monthly: entry.PromptCreditsMonthly},
		FlowCredits:   Credits{Available: entry.FlowCreditsAvailable, Monthly: entry.FlowCreditsMonthly},
		Origin:        OriginCached,
		Age:           age,
	}, nil
}
