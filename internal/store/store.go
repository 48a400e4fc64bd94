// Package store implements a named, file-backed buffer of updates for one instrument.
//
// A Store moves between three residency states:
//
//	Absent -> Cold (size known from the file header only) -> Warm (records resident)
//
// Size is authoritative whether or not the records are resident: it is eagerly
// incremented on Add and refreshed from the file header on Clear and LoadSizeFromFile.
package store

import (
	"fmt"
	"io"
	"os"
	"sync"

	"candlestore/internal/dtf"
	"candlestore/internal/model"

	"github.com/rs/zerolog/log"
)

// State is the residency state of a store.
type State int

const (
	// Absent means no store is registered under the name.
	Absent State = iota

	// Cold means records live on disk only.
	Cold

	// Warm means records are resident in memory.
	Warm
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Codec is the file format collaborator used by a Store.
type Codec interface {
	// Decode reads every record of the file.
	Decode(path string) ([]model.Update, error)

	// Encode writes a complete file with name as metadata.
	Encode(path, name string, records []model.Update) error

	// Append writes records after the last one on disk and returns how many were
	// written. The caller passes only records that are not on disk yet.
	Append(path string, records []model.Update) (int, error)

	// GetSize reads the record count from the file header.
	GetSize(path string) (uint64, error)
}

// dtfCodec adapts the dtf package functions to Codec.
type dtfCodec struct{}

func (dtfCodec) Decode(path string) ([]model.Update, error) { return dtf.Decode(path) }
func (dtfCodec) Encode(path, name string, records []model.Update) error {
	return dtf.Encode(path, name, records)
}
func (dtfCodec) Append(path string, records []model.Update) (int, error) {
	return dtf.Append(path, records)
}
func (dtfCodec) GetSize(path string) (uint64, error) { return dtf.GetSize(path) }

// DefaultCodec is the dtf file format.
var DefaultCodec Codec = dtfCodec{}

// Option configures a Store.
type Option func(*Store)

// WithCodec replaces the file format used by the store.
func WithCodec(c Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// Store is one named instrument buffer backed by <folder>/<name>.dtf.
//
// All operations are serialized by an internal mutex so a Store may be shared, but
// the intended use is one owner per store.
type Store struct {
	mu sync.Mutex

	// name is the store identifier and the base name of its file.
	name string

	// folder is the directory holding the file.
	folder string

	// inMemory reports whether records are resident.
	inMemory bool

	// size is the authoritative record count, resident or not.
	size uint64

	// records is the resident subset, in insertion order.
	records []model.Update

	// flushed counts the leading resident records already on disk.
	flushed int

	codec Codec
}

// New creates a store whose residency is seeded from file existence: a store
// without a file starts Warm and empty, one with a file starts Cold with size 0.
func New(name, folder string, opts ...Option) *Store {
	s := &Store{
		name:   name,
		folder: folder,
		codec:  DefaultCodec,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.inMemory = !dtf.Exists(s.Path())
	return s
}

// Open creates a store like New and, when its file exists, reads the record count
// from the header without loading any records.
func Open(name, folder string, opts ...Option) (*Store, error) {
	s := New(name, folder, opts...)
	if dtf.Exists(s.Path()) {
		if err := s.LoadSizeFromFile(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return dtf.Path(s.folder, s.name)
}

// Size returns the authoritative record count.
func (s *Store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// InMemory reports whether the records are resident.
func (s *Store) InMemory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inMemory
}

// State returns Warm or Cold.
func (s *Store) State() State {
	if s.InMemory() {
		return Warm
	}
	return Cold
}

// Len returns the number of resident records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of the first n resident records, or all of them when n < 0.
func (s *Store) Records(n int) []model.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > len(s.records) {
		n = len(s.records)
	}
	out := make([]model.Update, n)
	copy(out, s.records[:n])
	return out
}

// WriteBatches serializes the first n resident records (all when n < 0) in the
// wire batch format.
func (s *Store) WriteBatches(w io.Writer, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n > len(s.records) {
		n = len(s.records)
	}
	return dtf.WriteBatches(w, s.records[:n])
}

// Add appends an update to the resident records and counts it.
//
// Adding to a Cold store is allowed: the records accumulate in an empty buffer and
// are merged with the file on the next Flush.
func (s *Store) Add(u model.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size++
	s.records = append(s.records, u)
}

// Pending returns the number of resident records not yet on disk.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records) - s.flushed
}

// Flush commits resident records to disk.
//
// An existing file receives the resident records added since the last Flush or Load,
// so records sharing a timestamp with the tail of the file are kept. Without a file a
// new one is written with the store name as metadata, unless there is nothing to write.
// The folder is created if needed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.With().Str("store", s.name).Str("component", "flush").Logger()

	path := s.Path()
	exists := dtf.Exists(path)
	pending := s.records
	if exists {
		pending = s.records[s.flushed:]
	}
	if len(pending) == 0 {
		logger.Trace().Bool("file", exists).Msg("nothing to flush")
		return nil
	}

	if err := os.MkdirAll(s.folder, 0o755); err != nil {
		return fmt.Errorf("flush %s: %w", s.name, err)
	}

	if exists {
		n, err := s.codec.Append(path, pending)
		if err != nil {
			return fmt.Errorf("flush %s: %w", s.name, err)
		}
		s.flushed = len(s.records)
		if n < len(pending) {
			logger.Warn().
				Int("appended", n).
				Int("dropped", len(pending)-n).
				Msg("records older than the file tail were not appended")
		}
		logger.Debug().Int("appended", n).Int("resident", len(s.records)).Msg("flushed store")
		return nil
	}

	if err := s.codec.Encode(path, s.name, s.records); err != nil {
		return fmt.Errorf("flush %s: %w", s.name, err)
	}
	s.flushed = len(s.records)
	logger.Debug().Int("encoded", len(s.records)).Msg("flushed store")
	return nil
}

// Load decodes the whole file into memory and makes the store Warm.
//
// It does nothing when the store is already Warm or has no file.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path()
	if s.inMemory || !dtf.Exists(path) {
		return nil
	}

	records, err := s.codec.Decode(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.name, err)
	}
	s.records = records
	s.flushed = len(records)
	s.size = uint64(len(records))
	s.inMemory = true

	log.Debug().Str("store", s.name).Uint64("size", s.size).Msg("loaded store")
	return nil
}

// LoadSizeFromFile refreshes the size from the file header without decoding records.
func (s *Store) LoadSizeFromFile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSizeFromFile()
}

func (s *Store) loadSizeFromFile() error {
	size, err := s.codec.GetSize(s.Path())
	if err != nil {
		return fmt.Errorf("size %s: %w", s.name, err)
	}
	s.size = size
	return nil
}

// Clear drops the resident records, makes the store Cold and refreshes the size from
// the file header. Records that were never flushed are lost.
//
// A store without a file ends up Cold with size 0.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = nil
	s.flushed = 0
	s.inMemory = false
	if !dtf.Exists(s.Path()) {
		s.size = 0
		return nil
	}
	return s.loadSizeFromFile()
}
