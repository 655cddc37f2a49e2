package persistence

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rowseal/rowseal"
)

// Verify MemoryMetastore implements the Metastore interface.
var _ rowseal.Metastore = (*MemoryMetastore)(nil)

// MemoryMetastore keeps envelope key records in process memory.
// NOTE: for testing only; never use it in production.
type MemoryMetastore struct {
	mu sync.RWMutex

	// Envelopes maps key id → created → record.
	Envelopes map[string]map[int64]*rowseal.EnvelopeKeyRecord
}

// NewMemoryMetastore returns an empty in-memory metastore.
func NewMemoryMetastore() *MemoryMetastore {
	return &MemoryMetastore{
		Envelopes: make(map[string]map[int64]*rowseal.EnvelopeKeyRecord),
	}
}

// Load retrieves the record matching id and created, or nil.
func (s *MemoryMetastore) Load(_ context.Context, id string, created int64) (*rowseal.EnvelopeKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ekr, ok := s.Envelopes[id][created]; ok {
		return ekr, nil
	}

	return nil, nil
}

// LoadLatest retrieves the newest record for id, or nil.
func (s *MemoryMetastore) LoadLatest(_ context.Context, id string) (*rowseal.EnvelopeKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest    *rowseal.EnvelopeKeyRecord
		latestTSC int64
	)

	for created, ekr := range s.Envelopes[id] {
		if latest == nil || created > latestTSC {
			latest = ekr
			latestTSC = created
		}
	}

	return latest, nil
}

// Store inserts the record unless one with the same identity exists, in
// which case it returns false.
func (s *MemoryMetastore) Store(_ context.Context, id string, created int64, envelope *rowseal.EnvelopeKeyRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.Envelopes[id][created]; ok {
		return false, nil
	}

	if _, ok := s.Envelopes[id]; !ok {
		s.Envelopes[id] = make(map[int64]*rowseal.EnvelopeKeyRecord)
	}

	s.Envelopes[id][created] = envelope

	return true, nil
}

// Verify MemoryStore implements the Loader and Storer interfaces.
var (
	_ rowseal.Loader = (*MemoryStore)(nil)
	_ rowseal.Storer = (*MemoryStore)(nil)
)

// MemoryStore is an in-memory row record store keyed by generated UUIDs,
// suitable for tests and examples of the Store/Load caller pattern.
type MemoryStore struct {
	mu sync.RWMutex

	records map[string]rowseal.DataRowRecord
}

// NewMemoryStore returns an empty in-memory row record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]rowseal.DataRowRecord),
	}
}

// Store persists d under a new UUID and returns the UUID string.
func (s *MemoryStore) Store(_ context.Context, d rowseal.DataRowRecord) (interface{}, error) {
	key := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = d

	return key, nil
}

// Load returns the record stored under key, or nil if absent.
func (s *MemoryStore) Load(_ context.Context, key interface{}) (*rowseal.DataRowRecord, error) {
	id, ok := key.(string)
	if !ok {
		return nil, errors.Wrapf(rowseal.ErrInvalidArgument, "unsupported key type %T", key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if d, ok := s.records[id]; ok {
		return &d, nil
	}

	return nil, nil
}
