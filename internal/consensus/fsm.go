package consensus

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/bioreg/bioreg/internal/registry"
	"github.com/bioreg/bioreg/internal/storage"
)

// FSM applies replicated registry commands. The registry performs all
// validation inside Apply, so a command rejected here is rejected
// identically on every replica and the rejection itself is part of the
// durable history.
type FSM struct {
	mu       sync.RWMutex
	registry *registry.Registry
	store    *storage.Store
}

// ApplyResult is the response value surfaced through the raft ApplyFuture:
// either the committed event or the typed registry rejection.
type ApplyResult struct {
	Event *registry.Event
	Err   error
}

func NewFSM(reg *registry.Registry, store *storage.Store) *FSM {
	return &FSM{
		registry: reg,
		store:    store,
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd registry.Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return &ApplyResult{Err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	event, err := f.registry.Apply(&cmd)
	return &ApplyResult{Event: event, Err: err}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	state, err := f.store.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export registry state: %w", err)
	}

	return &fsmSnapshot{state: state}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	var state storage.State
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	if err := f.store.Import(&state); err != nil {
		return fmt.Errorf("failed to restore registry state: %w", err)
	}

	return nil
}

type fsmSnapshot struct {
	state *storage.State
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()

	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return nil
}

func (s *fsmSnapshot) Release() {
}
