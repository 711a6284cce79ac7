package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/synthd/internal/fsutil"
	"github.com/fyrsmithlabs/synthd/internal/synth"
)

// PipelineState is the content of pipeline_state.json.
type PipelineState struct {
	NextRunID synth.RunID    `json:"next_run_id"`
	Offsets   map[string]int `json:"offsets"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StateStore allocates run ids and tracks source offsets per topic. Every
// change is written through to disk before it is returned.
type StateStore struct {
	mu     sync.Mutex
	path   string
	state  PipelineState
	logger *zap.Logger
}

// OpenState loads the state file at path, or starts at run 1.
func OpenState(path string, logger *zap.Logger) (*StateStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &StateStore{
		path:   path,
		state:  PipelineState{NextRunID: 1, Offsets: map[string]int{}},
		logger: logger,
	}
	if err := fsutil.ReadJSON(path, &s.state); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("opening pipeline state: %w", err)
	}
	if s.state.NextRunID < 1 {
		s.state.NextRunID = 1
	}
	if s.state.Offsets == nil {
		s.state.Offsets = map[string]int{}
	}
	return s, nil
}

func (s *StateStore) persistLocked() error {
	s.state.UpdatedAt = time.Now().UTC()
	if err := fsutil.WriteJSON(s.path, s.state); err != nil {
		return fmt.Errorf("saving pipeline state: %w", err)
	}
	return nil
}

// NextRunID allocates a run id. Ids are never reused, even when the run
// later fails.
func (s *StateStore) NextRunID(ctx context.Context) (synth.RunID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.state.NextRunID
	s.state.NextRunID++
	if err := s.persistLocked(); err != nil {
		s.state.NextRunID--
		return 0, err
	}
	return id, nil
}

// Offset returns the document offset reached for topic.
func (s *StateStore) Offset(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Offsets[topic]
}

// SetOffset records the document offset reached for topic.
func (s *StateStore) SetOffset(ctx context.Context, topic string, offset int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if offset < 0 {
		return fmt.Errorf("offset cannot be negative: %d", offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.state.Offsets[topic]
	s.state.Offsets[topic] = offset
	if err := s.persistLocked(); err != nil {
		if had {
			s.state.Offsets[topic] = prev
		} else {
			delete(s.state.Offsets, topic)
		}
		return err
	}
	s.logger.Debug("source offset saved", zap.String("topic", topic), zap.Int("offset", offset))
	return nil
}

// Snapshot returns a copy of the current state.
func (s *StateStore) Snapshot() PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.state
	c.Offsets = make(map[string]int, len(s.state.Offsets))
	for k, v := range s.state.Offsets {
		c.Offsets[k] = v
	}
	return c
}
