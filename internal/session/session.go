// Package session routes updates and queries to a set of named stores.
//
// A Session owns its store mapping and the name of the currently selected store.
// It is not safe for concurrent use: the server gives every connection its own
// Session and drives it from a single goroutine.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"candlestore/internal/candles"
	"candlestore/internal/dtf"
	"candlestore/internal/model"
	"candlestore/internal/store"
	"candlestore/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultStore is the store every session starts with selected.
const DefaultStore = "default"

var (
	// ErrUnknownStore is returned when a command names a store that is not registered.
	ErrUnknownStore = errors.New("unknown store")

	// ErrStoreExists is returned by Create for a name already registered.
	ErrStoreExists = errors.New("store already exists")
)

// Settings configures the flush policy and storage folder of a session.
type Settings struct {
	Autoflush     bool   // Flush the selected store after every FlushInterval adds
	FlushInterval uint32 `validate:"gt=0"`     // Records between automatic flushes
	Folder        string `validate:"required"` // Directory holding the .dtf files
}

var validate = validator.New()

// Validate rejects settings that cannot drive the flush policy.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid session settings: %w", err)
	}
	return nil
}

// Session is one client's view of the stores in a folder.
type Session struct {
	id       string                  // Unique identifier used in logs
	settings Settings                // Flush policy and folder
	stores   map[string]*store.Store // Registered stores by name
	current  string                  // Name of the selected store
	logger   zerolog.Logger
}

// New validates settings and creates a session with the default store registered
// and selected.
func New(settings Settings) (*Session, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := &Session{
		id:       id,
		settings: settings,
		stores:   make(map[string]*store.Store),
		current:  DefaultStore,
		logger:   log.With().Str("component", "session").Str("session", id).Logger(),
	}
	s.stores[DefaultStore] = store.New(DefaultStore, settings.Folder)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Settings returns the session settings.
func (s *Session) Settings() Settings {
	return s.settings
}

// Bootstrap registers every .dtf file of the folder as a store with its header size
// and no resident records. A missing folder is not an error.
func (s *Session) Bootstrap() error {
	entries, err := os.ReadDir(s.settings.Folder)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != dtf.Extension {
			continue
		}
		name := strings.TrimSuffix(e.Name(), dtf.Extension)
		if _, ok := s.stores[name]; ok && name != DefaultStore {
			continue
		}
		st, err := store.Open(name, s.settings.Folder)
		if err != nil {
			s.logger.Warn().Err(err).Str("store", name).Msg("skipping unreadable store")
			continue
		}
		s.stores[name] = st
	}

	s.logger.Info().Int("stores", len(s.stores)).Str("folder", s.settings.Folder).Msg("bootstrapped stores")
	return nil
}

// Create registers a new empty store.
func (s *Session) Create(name string) error {
	if err := utils.ValidateStoreName(name); err != nil {
		return err
	}
	if _, ok := s.stores[name]; ok {
		return fmt.Errorf("%w: %s", ErrStoreExists, name)
	}
	st, err := store.Open(name, s.settings.Folder)
	if err != nil {
		return err
	}
	s.stores[name] = st
	return nil
}

// Use selects the named store.
func (s *Session) Use(name string) error {
	if _, ok := s.stores[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}
	s.current = name
	return nil
}

// Exists reports whether a store is registered under name.
func (s *Session) Exists(name string) bool {
	_, ok := s.stores[name]
	return ok
}

// Current returns the name of the selected store.
func (s *Session) Current() string {
	return s.current
}

// Store returns the named store, or nil.
func (s *Session) Store(name string) *store.Store {
	return s.stores[name]
}

// State returns the residency state of the named store, Absent when unregistered.
func (s *Session) State(name string) store.State {
	st, ok := s.stores[name]
	if !ok {
		return store.Absent
	}
	return st.State()
}

// Names returns the registered store names, sorted.
func (s *Session) Names() []string {
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// selected returns the current store. A missing selection means the session's
// bookkeeping is broken, so it panics.
func (s *Session) selected() *store.Store {
	st, ok := s.stores[s.current]
	if !ok {
		panic(fmt.Sprintf("session %s: selected store %q is not registered", s.id, s.current))
	}
	return st
}

// Insert adds u to the named store. It reports false when no such store exists;
// stores are never created implicitly.
func (s *Session) Insert(u model.Update, name string) bool {
	st, ok := s.stores[name]
	if !ok {
		return false
	}
	st.Add(u)
	return true
}

// Add adds u to the selected store.
func (s *Session) Add(u model.Update) {
	s.selected().Add(u)
}

// Autoflush flushes the selected store when the policy is enabled and its size is a
// positive multiple of the flush interval, then refreshes the size from the file.
// It reports whether a flush happened.
func (s *Session) Autoflush() (bool, error) {
	if !s.settings.Autoflush || s.settings.FlushInterval == 0 {
		return false, nil
	}
	st := s.selected()
	size := st.Size()
	if size == 0 || size%uint64(s.settings.FlushInterval) != 0 {
		return false, nil
	}

	if err := st.Flush(); err != nil {
		return false, err
	}
	if err := st.LoadSizeFromFile(); err != nil {
		return false, err
	}
	s.logger.Debug().Str("store", st.Name()).Uint64("size", size).Msg("autoflushed store")
	return true, nil
}

// Get serializes the first count resident records of the selected store in the wire
// batch format; count -1 serializes every resident record.
//
// It reports false when the store is empty or holds fewer than count records.
func (s *Session) Get(count int) ([]byte, bool) {
	st := s.selected()
	size := st.Size()
	if size == 0 {
		return nil, false
	}
	if count != -1 {
		if count < 0 || size < uint64(count) || st.Len() < count {
			return nil, false
		}
	}

	var buf bytes.Buffer
	if err := st.WriteBatches(&buf, count); err != nil {
		s.logger.Error().Err(err).Str("store", st.Name()).Msg("failed to serialize records")
		return nil, false
	}
	return buf.Bytes(), true
}

// Flush flushes the selected store.
func (s *Session) Flush() error {
	return s.selected().Flush()
}

// FlushAll flushes every store, stopping at the first failure.
func (s *Session) FlushAll() error {
	for _, name := range s.Names() {
		if err := s.stores[name].Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Load registers the named store if its file exists, loads it and selects it.
func (s *Session) Load(name string) error {
	st, ok := s.stores[name]
	if !ok {
		if !dtf.Exists(dtf.Path(s.settings.Folder, name)) {
			return fmt.Errorf("%w: %s", ErrUnknownStore, name)
		}
		var err error
		if st, err = store.Open(name, s.settings.Folder); err != nil {
			return err
		}
		s.stores[name] = st
	}
	if err := st.Load(); err != nil {
		return err
	}
	s.current = name
	return nil
}

// Clear drops the resident records of the selected store.
func (s *Session) Clear() error {
	return s.selected().Clear()
}

// ClearAll drops the resident records of every store.
func (s *Session) ClearAll() error {
	for _, st := range s.stores {
		if err := st.Clear(); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the size of the selected store.
func (s *Session) Count() uint64 {
	return s.selected().Size()
}

// CountAll returns the summed size of every store.
func (s *Session) CountAll() uint64 {
	var total uint64
	for _, st := range s.stores {
		total += st.Size()
	}
	return total
}

// StoreInfo describes one store in Info output.
type StoreInfo struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Size     uint64 `json:"size"`
	Resident int    `json:"resident"`
}

// Info is the JSON document returned by Session.Info.
type Info struct {
	Session       string      `json:"session"`
	Current       string      `json:"current"`
	Autoflush     bool        `json:"autoflush"`
	FlushInterval uint32      `json:"flush_interval"`
	Stores        []StoreInfo `json:"stores"`
}

// Info renders a JSON summary of the session.
func (s *Session) Info() ([]byte, error) {
	info := Info{
		Session:       s.id,
		Current:       s.current,
		Autoflush:     s.settings.Autoflush,
		FlushInterval: s.settings.FlushInterval,
		Stores:        make([]StoreInfo, 0, len(s.stores)),
	}
	for _, name := range s.Names() {
		st := s.stores[name]
		info.Stores = append(info.Stores, StoreInfo{
			Name:     name,
			State:    st.State().String(),
			Size:     st.Size(),
			Resident: st.Len(),
		})
	}
	return json.Marshal(info)
}

// Candles aggregates the resident records of the selected store into candles of
// minutes width. A ConsistencyError panic from the candle engine is not recovered here.
func (s *Session) Candles(fixMissing, align bool, minutes uint32) (*candles.Series, error) {
	if minutes == 0 {
		return nil, fmt.Errorf("%w: 0", candles.ErrFinerScale)
	}
	series := candles.FromUpdates(s.selected().Records(-1), fixMissing)
	return series.Rebin(align, minutes)
}
