package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/withObsrvr/telemetry-arrow-ingest/schema"
)

// MemoryStore keeps retained batches in memory. Used for tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	tables  map[string]*memoryTable
	closed  bool
	maxRows int64
}

type memoryTable struct {
	ref         TableRef
	schema      *arrow.Schema
	fingerprint string
	batches     []arrow.Record
	rows        int64
}

// NewMemoryStore creates an empty store. maxRows caps the rows kept per
// table, oldest batches are released first; zero keeps everything.
func NewMemoryStore(maxRows int64) *MemoryStore {
	return &MemoryStore{
		tables:  make(map[string]*memoryTable),
		maxRows: maxRows,
	}
}

func (m *MemoryStore) CreateSchemaIfAbsent(ctx context.Context, ref TableRef, s *arrow.Schema) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Fatal(ErrClosed)
	}

	fp := schema.Fingerprint(s)
	name := ref.Name()
	if t, ok := m.tables[name]; ok {
		return checkFingerprint(name, t.fingerprint, fp)
	}

	m.tables[name] = &memoryTable{ref: ref, schema: s, fingerprint: fp}
	return nil
}

func (m *MemoryStore) AppendBatch(ctx context.Context, ref TableRef, rec arrow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Fatal(ErrClosed)
	}

	name := ref.Name()
	t, ok := m.tables[name]
	if !ok {
		return Fatal(fmt.Errorf("%w: %s", ErrUnknownTable, name))
	}
	if err := checkFingerprint(name, t.fingerprint, schema.Fingerprint(rec.Schema())); err != nil {
		return err
	}

	rec.Retain()
	t.batches = append(t.batches, rec)
	t.rows += rec.NumRows()

	for m.maxRows > 0 && t.rows > m.maxRows && len(t.batches) > 1 {
		oldest := t.batches[0]
		t.batches = t.batches[1:]
		t.rows -= oldest.NumRows()
		oldest.Release()
	}
	return nil
}

// Tables returns the names of all created tables, sorted.
func (m *MemoryStore) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rows returns the number of rows held for ref.
func (m *MemoryStore) Rows(ref TableRef) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tables[ref.Name()]; ok {
		return t.rows
	}
	return 0
}

// Batches returns retained copies of the batches held for ref. The caller
// releases them.
func (m *MemoryStore) Batches(ref TableRef) []arrow.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tables[ref.Name()]
	if !ok {
		return nil
	}
	out := make([]arrow.Record, len(t.batches))
	for i, rec := range t.batches {
		rec.Retain()
		out[i] = rec
	}
	return out
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.tables {
		for _, rec := range t.batches {
			rec.Release()
		}
		t.batches = nil
	}
	return nil
}
