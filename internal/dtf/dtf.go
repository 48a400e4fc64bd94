// Package dtf implements the DTF file format: a fixed-layout binary container for
// Updates of a single instrument.
//
// A file starts with a 44 byte header followed by a flat sequence of 21 byte records:
//
//	header: "DTF" | version u8 | symbol [20]byte | count u64 | max ts u64 | reserved u32
//	record: ts u64 | seq u32 | flags u8 | price f32 | size f32
//
// All integers are little endian. Because records are fixed width the body can be
// appended to without re-encoding history, and the header alone answers cardinality.
package dtf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"candlestore/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	// Extension is the file suffix of every store file.
	Extension = ".dtf"

	headerSize = 44
	recordSize = 21
	symbolLen  = 20
	version    = 1

	flagTrade = 1 << 0
	flagBid   = 1 << 1
)

var magic = [3]byte{'D', 'T', 'F'}

var (
	// ErrBadMagic indicates the file does not start with a DTF header.
	ErrBadMagic = errors.New("not a dtf file")

	// ErrTruncated indicates the file ended in the middle of a header or record.
	ErrTruncated = errors.New("truncated dtf data")

	// ErrCountMismatch indicates the header count disagrees with the body length.
	ErrCountMismatch = errors.New("dtf record count does not match file length")
)

// Header is the metadata block at the start of every DTF file.
type Header struct {
	Symbol       string // Store name, at most 20 bytes are kept
	Count        uint64 // Number of records in the body
	MaxTimestamp uint64 // Largest record timestamp, used to filter appends
}

// Path returns the on-disk location of the named store inside folder.
func Path(folder, name string) string {
	return filepath.Join(folder, name+Extension)
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (h Header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:3], magic[:])
	b[3] = version
	sym := []byte(h.Symbol)
	if len(sym) > symbolLen {
		sym = sym[:symbolLen]
	}
	copy(b[4:4+symbolLen], sym)
	binary.LittleEndian.PutUint64(b[24:32], h.Count)
	binary.LittleEndian.PutUint64(b[32:40], h.MaxTimestamp)
	return b
}

func unmarshalHeader(b []byte) (Header, error) {
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] {
		return Header{}, ErrBadMagic
	}
	if b[3] != version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrBadMagic, b[3])
	}
	sym := b[4 : 4+symbolLen]
	end := len(sym)
	for i, c := range sym {
		if c == 0 {
			end = i
			break
		}
	}
	return Header{
		Symbol:       string(sym[:end]),
		Count:        binary.LittleEndian.Uint64(b[24:32]),
		MaxTimestamp: binary.LittleEndian.Uint64(b[32:40]),
	}, nil
}

func flags(u model.Update) byte {
	var f byte
	if u.IsTrade {
		f |= flagTrade
	}
	if u.IsBid {
		f |= flagBid
	}
	return f
}

func putRecord(b []byte, u model.Update) {
	binary.LittleEndian.PutUint64(b[0:8], u.Timestamp)
	binary.LittleEndian.PutUint32(b[8:12], u.Seq)
	b[12] = flags(u)
	binary.LittleEndian.PutUint32(b[13:17], math.Float32bits(u.Price))
	binary.LittleEndian.PutUint32(b[17:21], math.Float32bits(u.Size))
}

func getRecord(b []byte) model.Update {
	return model.Update{
		Timestamp: binary.LittleEndian.Uint64(b[0:8]),
		Seq:       binary.LittleEndian.Uint32(b[8:12]),
		IsTrade:   b[12]&flagTrade != 0,
		IsBid:     b[12]&flagBid != 0,
		Price:     math.Float32frombits(binary.LittleEndian.Uint32(b[13:17])),
		Size:      math.Float32frombits(binary.LittleEndian.Uint32(b[17:21])),
	}
}

func maxTimestamp(records []model.Update, from uint64) uint64 {
	newest := from
	for _, r := range records {
		if r.Timestamp > newest {
			newest = r.Timestamp
		}
	}
	return newest
}

func readHeader(r io.Reader) (Header, error) {
	b := make([]byte, headerSize)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, ErrTruncated
		}
		return Header{}, err
	}
	return unmarshalHeader(b)
}

// ReadHeader reads only the header of the file at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return Header{}, fmt.Errorf("read header %s: %w", path, err)
	}
	return h, nil
}

// GetSize returns the record count stored in the header without decoding the body.
func GetSize(path string) (uint64, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return 0, err
	}
	return h.Count, nil
}

// checkLength verifies that the file length matches the header count.
func checkLength(f *os.File, h Header) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	expected := int64(headerSize) + int64(h.Count)*recordSize
	if info.Size() < expected {
		return 0, fmt.Errorf("%w: header says %d records, file has %d bytes", ErrTruncated, h.Count, info.Size())
	}
	if info.Size() != expected {
		return 0, fmt.Errorf("%w: header says %d records, file has %d bytes", ErrCountMismatch, h.Count, info.Size())
	}
	return expected, nil
}

// Decode reads every record of the file at path, in file order.
func Decode(path string) ([]model.Update, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if _, err := checkLength(f, h); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	r := bufio.NewReader(f)
	records := make([]model.Update, 0, h.Count)
	buf := make([]byte, recordSize)
	for i := uint64(0); i < h.Count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("decode %s: record %d: %w", path, i, ErrTruncated)
		}
		records = append(records, getRecord(buf))
	}

	log.Debug().Str("path", path).Int("records", len(records)).Msg("decoded dtf file")
	return records, nil
}

// Encode writes a complete file containing records, replacing any existing file.
//
// The data is written to a temporary file in the same directory which is renamed
// over path once fully synced, so readers never observe a partial file.
func Encode(path, name string, records []model.Update) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	h := Header{Symbol: name, Count: uint64(len(records)), MaxTimestamp: maxTimestamp(records, 0)}
	if _, err = w.Write(h.marshal()); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	buf := make([]byte, recordSize)
	for _, r := range records {
		putRecord(buf, r)
		if _, err = w.Write(buf); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	log.Debug().Str("path", path).Int("records", len(records)).Msg("encoded dtf file")
	return nil
}

// Append adds records after the last one on disk and returns how many were written.
//
// Records older than the newest timestamp in the header are skipped so the file stays
// in time order. Records sharing that timestamp are written: several updates within
// one millisecond are normal, and callers are expected to pass only records that are
// not on disk yet.
//
// The body is written and synced before the header is updated. If either step fails
// the file is truncated back to its previous length so persisted records stay intact.
func Append(path string, records []model.Update) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h, err := readHeader(f)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", path, err)
	}
	end, err := checkLength(f, h)
	if err != nil {
		return 0, fmt.Errorf("append %s: %w", path, err)
	}

	fresh := make([]model.Update, 0, len(records))
	for _, r := range records {
		if r.Timestamp >= h.MaxTimestamp {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	body := make([]byte, len(fresh)*recordSize)
	for i, r := range fresh {
		putRecord(body[i*recordSize:], r)
	}

	old := h
	rollback := func(cause error) (int, error) {
		if terr := f.Truncate(end); terr != nil {
			log.Error().Err(terr).Str("path", path).Msg("failed to roll back partial append")
		}
		if _, herr := f.WriteAt(old.marshal(), 0); herr != nil {
			log.Error().Err(herr).Str("path", path).Msg("failed to restore dtf header")
		}
		return 0, fmt.Errorf("append %s: %w", path, cause)
	}

	if _, err := f.WriteAt(body, end); err != nil {
		return rollback(err)
	}
	if err := f.Sync(); err != nil {
		return rollback(err)
	}

	h.Count += uint64(len(fresh))
	h.MaxTimestamp = maxTimestamp(fresh, h.MaxTimestamp)
	if _, err := f.WriteAt(h.marshal(), 0); err != nil {
		return rollback(err)
	}
	if err := f.Sync(); err != nil {
		return rollback(err)
	}

	log.Debug().
		Str("path", path).
		Int("appended", len(fresh)).
		Int("skipped", len(records)-len(fresh)).
		Msg("appended to dtf file")
	return len(fresh), nil
}
