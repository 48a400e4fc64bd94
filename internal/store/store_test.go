package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"candlestore/internal/dtf"
	"candlestore/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCodec is a mock implementation of Codec
type MockCodec struct {
	mock.Mock
}

func (m *MockCodec) Decode(path string) ([]model.Update, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Update), args.Error(1)
}

func (m *MockCodec) Encode(path, name string, records []model.Update) error {
	args := m.Called(path, name, records)
	return args.Error(0)
}

func (m *MockCodec) Append(path string, records []model.Update) (int, error) {
	args := m.Called(path, records)
	return args.Int(0), args.Error(1)
}

func (m *MockCodec) GetSize(path string) (uint64, error) {
	args := m.Called(path)
	return args.Get(0).(uint64), args.Error(1)
}

// createTestUpdates returns n updates with strictly increasing timestamps.
func createTestUpdates(n int, from uint64) []model.Update {
	out := make([]model.Update, n)
	for i := range out {
		out[i] = model.Update{
			Timestamp: from + uint64(i)*250,
			Seq:       uint32(i),
			IsTrade:   i%3 == 0,
			IsBid:     i%2 == 0,
			Price:     100 + float32(i)/4,
			Size:      float32(i%7) + 0.5,
		}
	}
	return out
}

// Test_State_String tests state names
func Test_State_String(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "cold", Cold.String())
	assert.Equal(t, "warm", Warm.String())
	assert.Equal(t, "state(9)", State(9).String())
}

// Test_New tests residency seeding from file existence
func Test_New(t *testing.T) {
	dir := t.TempDir()

	fresh := New("fresh", dir)
	assert.Equal(t, Warm, fresh.State(), "Store without a file should start warm")
	assert.Equal(t, uint64(0), fresh.Size())
	assert.Equal(t, filepath.Join(dir, "fresh.dtf"), fresh.Path())

	require.NoError(t, dtf.Encode(dtf.Path(dir, "existing"), "existing", createTestUpdates(4, 1_500_000_000_000)))

	existing := New("existing", dir)
	assert.Equal(t, Cold, existing.State(), "Store with a file should start cold")
	assert.Equal(t, uint64(0), existing.Size(), "New does not read the header")

	opened, err := Open("existing", dir)
	require.NoError(t, err)
	assert.Equal(t, Cold, opened.State())
	assert.Equal(t, uint64(4), opened.Size(), "Open reads the size from the header")
	assert.Equal(t, 0, opened.Len())
}

// Test_Store_RoundTrip tests add, flush and load by a fresh store
func Test_Store_RoundTrip(t *testing.T) {
	tests := []struct {
		name        string
		count       int
		description string
	}{
		{name: "Single record", count: 1, description: "One record survives a flush"},
		{name: "Many records", count: 1000, description: "Order and values survive a flush"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "nested", "folder")
			updates := createTestUpdates(tt.count, 1_505_177_459_000)

			s := New("btc_usdt", dir)
			for _, u := range updates {
				s.Add(u)
			}
			assert.Equal(t, uint64(tt.count), s.Size())
			require.NoError(t, s.Flush(), "Flush should create the folder")

			reopened, err := Open("btc_usdt", dir)
			require.NoError(t, err)
			assert.Equal(t, uint64(tt.count), reopened.Size())

			require.NoError(t, reopened.Load())
			assert.Equal(t, Warm, reopened.State())
			assert.Equal(t, updates, reopened.Records(-1), tt.description)
			assert.Equal(t, uint64(tt.count), reopened.Size())
		})
	}
}

// Test_Store_FlushTwice tests that repeated flushes do not duplicate records
func Test_Store_FlushTwice(t *testing.T) {
	dir := t.TempDir()
	s := New("eth", dir)

	first := createTestUpdates(10, 1_000_000)
	for _, u := range first {
		s.Add(u)
	}
	require.NoError(t, s.Flush())
	require.NoError(t, s.Flush())

	size, err := dtf.GetSize(s.Path())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), size, "Second flush should append nothing")

	more := createTestUpdates(5, 2_000_000)
	for _, u := range more {
		s.Add(u)
	}
	require.NoError(t, s.Flush())

	require.NoError(t, s.LoadSizeFromFile())
	assert.Equal(t, uint64(15), s.Size())

	decoded, err := dtf.Decode(s.Path())
	require.NoError(t, err)
	assert.Equal(t, append(first, more...), decoded)
}

// Test_Store_FlushSameTimestamp tests that updates sharing a millisecond across a
// flush boundary all reach the file
func Test_Store_FlushSameTimestamp(t *testing.T) {
	tests := []struct {
		name        string
		before      []uint64
		after       []uint64
		clear       bool
		description string
	}{
		{
			name:        "Warm store",
			before:      []uint64{1505177401000, 1505177402000},
			after:       []uint64{1505177402000, 1505177403000},
			description: "The second update of the tail millisecond is appended",
		},
		{
			name:        "Cleared between flushes",
			before:      []uint64{1505177401000, 1505177402000},
			after:       []uint64{1505177402000, 1505177403000},
			clear:       true,
			description: "A cleared store appends everything added after the clear",
		},
		{
			name:        "Whole batch in one millisecond",
			before:      []uint64{1505177402000, 1505177402000},
			after:       []uint64{1505177402000, 1505177402000, 1505177402000},
			description: "Every update of a busy millisecond is kept",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New("btc_usdt", t.TempDir())
			var want []model.Update
			add := func(ts uint64) {
				u := model.Update{Timestamp: ts, Seq: uint32(len(want)), IsTrade: true, Price: 10, Size: 1}
				want = append(want, u)
				s.Add(u)
			}

			for _, ts := range tt.before {
				add(ts)
			}
			require.NoError(t, s.Flush())
			if tt.clear {
				require.NoError(t, s.Clear())
			}
			for _, ts := range tt.after {
				add(ts)
			}
			assert.Equal(t, len(tt.after), s.Pending())
			require.NoError(t, s.Flush())
			assert.Equal(t, 0, s.Pending())
			require.NoError(t, s.Flush(), "A flush with nothing pending is a no-op")

			decoded, err := dtf.Decode(s.Path())
			require.NoError(t, err)
			assert.Equal(t, want, decoded, tt.description)

			require.NoError(t, s.LoadSizeFromFile())
			assert.Equal(t, uint64(len(want)), s.Size())
		})
	}
}

// Test_Store_FlushEmpty tests that an empty store without a file writes nothing
func Test_Store_FlushEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "recordings")
	s := New("default", dir)

	require.NoError(t, s.Flush())
	assert.False(t, dtf.Exists(s.Path()), "No file should be created for an empty store")
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "The folder should not be created either")

	s.Add(model.Update{Timestamp: 1})
	require.NoError(t, s.Flush())
	assert.True(t, dtf.Exists(s.Path()))
}

// Test_Store_Clear tests dropping resident records
func Test_Store_Clear(t *testing.T) {
	t.Run("Flushed store keeps its file size", func(t *testing.T) {
		dir := t.TempDir()
		s := New("ada", dir)
		for _, u := range createTestUpdates(8, 10_000) {
			s.Add(u)
		}
		require.NoError(t, s.Flush())

		// never flushed
		s.Add(model.Update{Timestamp: 99_999_999, IsTrade: true, Price: 1, Size: 1})
		assert.Equal(t, uint64(9), s.Size())

		require.NoError(t, s.Clear())
		assert.Equal(t, Cold, s.State())
		assert.Equal(t, 0, s.Len())
		assert.Equal(t, uint64(8), s.Size(), "Unflushed records are lost")

		require.NoError(t, s.Load())
		assert.Equal(t, Warm, s.State())
		assert.Len(t, s.Records(-1), 8)
	})

	t.Run("Store without file", func(t *testing.T) {
		s := New("empty", t.TempDir())
		s.Add(model.Update{Timestamp: 1})

		require.NoError(t, s.Clear())
		assert.Equal(t, Cold, s.State())
		assert.Equal(t, uint64(0), s.Size())

		require.NoError(t, s.Load(), "Loading without a file is a no-op")
		assert.Equal(t, Cold, s.State())
	})
}

// Test_Store_AddCold tests that a cold store accumulates and merges on flush
func Test_Store_AddCold(t *testing.T) {
	dir := t.TempDir()
	base := createTestUpdates(3, 5_000)
	require.NoError(t, dtf.Encode(dtf.Path(dir, "sol"), "sol", base))

	s, err := Open("sol", dir)
	require.NoError(t, err)
	extra := model.Update{Timestamp: 1_000_000, IsTrade: true, Price: 2, Size: 3}
	s.Add(extra)
	assert.Equal(t, uint64(4), s.Size())
	assert.Equal(t, Cold, s.State())

	require.NoError(t, s.Flush())
	decoded, err := dtf.Decode(s.Path())
	require.NoError(t, err)
	assert.Equal(t, append(base, extra), decoded)
}

// Test_Store_Records tests partial copies
func Test_Store_Records(t *testing.T) {
	s := New("x", t.TempDir())
	updates := createTestUpdates(5, 1)
	for _, u := range updates {
		s.Add(u)
	}

	assert.Equal(t, updates[:2], s.Records(2))
	assert.Equal(t, updates, s.Records(50))

	got := s.Records(1)
	got[0].Price = -1
	assert.Equal(t, updates[0], s.Records(1)[0], "Records should return a copy")

	var buf bytes.Buffer
	require.NoError(t, s.WriteBatches(&buf, 3))
	decoded, err := dtf.ReadBatches(&buf)
	require.NoError(t, err)
	assert.Equal(t, updates[:3], decoded)
}

// Test_Store_CodecErrors tests error propagation from the codec
func Test_Store_CodecErrors(t *testing.T) {
	codecErr := errors.New("disk on fire")

	t.Run("Encode failure", func(t *testing.T) {
		codec := new(MockCodec)
		dir := t.TempDir()
		s := New("bnb", dir, WithCodec(codec))
		s.Add(model.Update{Timestamp: 1})

		codec.On("Encode", s.Path(), "bnb", mock.Anything).Return(codecErr)

		err := s.Flush()
		assert.ErrorIs(t, err, codecErr)
		codec.AssertExpectations(t)
	})

	t.Run("Append failure", func(t *testing.T) {
		codec := new(MockCodec)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(dtf.Path(dir, "bnb"), []byte("x"), 0o644))
		s := New("bnb", dir, WithCodec(codec))
		s.Add(model.Update{Timestamp: 1})

		codec.On("Append", s.Path(), []model.Update{{Timestamp: 1}}).Return(0, codecErr).Twice()

		assert.ErrorIs(t, s.Flush(), codecErr)
		assert.Equal(t, 1, s.Pending(), "A failed append keeps the records pending")
		assert.ErrorIs(t, s.Flush(), codecErr, "The retry sends the same records")
		codec.AssertExpectations(t)
	})

	t.Run("Decode failure keeps store cold", func(t *testing.T) {
		codec := new(MockCodec)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(dtf.Path(dir, "bnb"), []byte("x"), 0o644))
		s := New("bnb", dir, WithCodec(codec))

		codec.On("Decode", s.Path()).Return(nil, codecErr)

		assert.ErrorIs(t, s.Load(), codecErr)
		assert.Equal(t, Cold, s.State())
		codec.AssertExpectations(t)
	})

	t.Run("Header failure", func(t *testing.T) {
		codec := new(MockCodec)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(dtf.Path(dir, "bnb"), []byte("x"), 0o644))

		codec.On("GetSize", dtf.Path(dir, "bnb")).Return(uint64(0), codecErr)

		_, err := Open("bnb", dir, WithCodec(codec))
		assert.ErrorIs(t, err, codecErr)
		codec.AssertExpectations(t)
	})
}
