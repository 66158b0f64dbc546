// Package store keeps a bounded history of job state transitions, optionally
// persisted to a JSON file.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"Skiff/internal/config"
	"Skiff/internal/models"
)

const defaultMaxEvents = 1000

type Store struct {
	config config.StoreConfig
	events []JobTransition
	mu     sync.RWMutex
}

// JobTransition is the final state reached while handling one delivery.
type JobTransition struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	DeliveryID   string          `json:"delivery_id,omitempty"`
	Repository   string          `json:"repository"`
	JobID        int64           `json:"job_id"`
	RunID        int64           `json:"run_id"`
	JobName      string          `json:"job_name"`
	Phase        models.JobPhase `json:"phase"`
	State        string          `json:"state"`
	RunnerName   string          `json:"runner_name,omitempty"`
	InstanceID   string          `json:"instance_id,omitempty"`
	InstanceType string          `json:"instance_type,omitempty"`
	Lifecycle    string          `json:"lifecycle,omitempty"`
	Minutes      int             `json:"minutes,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	Error        string          `json:"error,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
}

// New creates a new store instance
func New(cfg config.StoreConfig) (*Store, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	s := &Store{
		config: cfg,
		events: make([]JobTransition, 0),
	}

	// Load existing events if file exists
	if cfg.Enabled && cfg.Path != "" {
		if err := s.load(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load store: %w", err)
		}
	}

	return s, nil
}

// Record appends a transition, filling in its id and timestamp when unset.
func (s *Store) Record(t JobTransition) error {
	if !s.config.Enabled {
		return nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, t)

	// Trim old events if we exceed max
	if len(s.events) > s.config.MaxEvents {
		s.events = s.events[len(s.events)-s.config.MaxEvents:]
	}

	if s.config.Path == "" {
		return nil
	}
	return s.persist()
}

// Recent returns up to count transitions, oldest first.
func (s *Store) Recent(count int) []JobTransition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || count > len(s.events) {
		count = len(s.events)
	}

	return append([]JobTransition(nil), s.events[len(s.events)-count:]...)
}

// ForJob returns every recorded transition of one job, oldest first.
func (s *Store) ForJob(jobID int64) []JobTransition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []JobTransition
	for _, e := range s.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of transitions held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, &s.events)
}

// persist writes through a temp file so a crash never leaves half a file.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.events, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.config.Path), ".store-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write events: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write events: %w", err)
	}
	return os.Rename(tmp.Name(), s.config.Path)
}
