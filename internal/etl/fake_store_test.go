package etl

import (
	"context"
	"sync"
)

// fakeStore is an in-package Store double that records calls.
type fakeStore struct {
	mu sync.Mutex

	schemas    map[string][]ColumnInfo
	schemaErr  error
	keys       map[string]map[string]bool
	selectErr  map[string]error
	failInsert map[int]error

	selectCalls int
	insertCalls int
	batchSizes  []int
	inserted    map[string][]Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schemas:    map[string][]ColumnInfo{},
		keys:       map[string]map[string]bool{},
		selectErr:  map[string]error{},
		failInsert: map[int]error{},
		inserted:   map[string][]Record{},
	}
}

func (s *fakeStore) withKeys(table string, values ...string) *fakeStore {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	s.keys[table] = set
	return s
}

func (s *fakeStore) SchemaOf(ctx context.Context, table string) ([]ColumnInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemaErr != nil {
		return nil, s.schemaErr
	}
	return s.schemas[table], nil
}

func (s *fakeStore) SelectKeys(ctx context.Context, table, key string, values []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectCalls++
	if err := s.selectErr[table]; err != nil {
		return nil, err
	}
	var out []string
	for _, v := range values {
		if s.keys[table][v] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) Insert(ctx context.Context, table string, records []Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertCalls++
	s.batchSizes = append(s.batchSizes, len(records))
	if err := s.failInsert[s.insertCalls]; err != nil {
		return 0, err
	}
	s.inserted[table] = append(s.inserted[table], records...)
	return len(records), nil
}
