package dtf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"candlestore/internal/model"
)

const (
	batchHeaderSize = 10 // ref ts u64 | count u16
	batchEntrySize  = 15 // dt u16 | seq u32 | flags u8 | price f32 | size f32

	maxBatchLen = math.MaxUint16
)

// WriteBatches serializes records into the wire batch format used for query responses.
//
// Consecutive records are grouped under a reference timestamp and each entry stores
// only its millisecond offset from it. A new batch starts whenever the offset would
// not fit in 16 bits, a record is older than the reference, or the batch is full.
func WriteBatches(w io.Writer, records []model.Update) error {
	for start := 0; start < len(records); {
		ref := records[start].Timestamp
		end := start + 1
		for end < len(records) && end-start < maxBatchLen {
			ts := records[end].Timestamp
			if ts < ref || ts-ref > math.MaxUint16 {
				break
			}
			end++
		}

		batch := records[start:end]
		buf := make([]byte, batchHeaderSize+len(batch)*batchEntrySize)
		binary.LittleEndian.PutUint64(buf[0:8], ref)
		binary.LittleEndian.PutUint16(buf[8:10], uint16(len(batch)))
		for i, r := range batch {
			e := buf[batchHeaderSize+i*batchEntrySize:]
			binary.LittleEndian.PutUint16(e[0:2], uint16(r.Timestamp-ref))
			binary.LittleEndian.PutUint32(e[2:6], r.Seq)
			e[6] = flags(r)
			binary.LittleEndian.PutUint32(e[7:11], math.Float32bits(r.Price))
			binary.LittleEndian.PutUint32(e[11:15], math.Float32bits(r.Size))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write batch: %w", err)
		}
		start = end
	}
	return nil
}

// ReadBatches decodes a stream produced by WriteBatches until EOF.
func ReadBatches(r io.Reader) ([]model.Update, error) {
	var records []model.Update
	head := make([]byte, batchHeaderSize)
	for {
		if _, err := io.ReadFull(r, head); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrTruncated
			}
			return nil, err
		}
		ref := binary.LittleEndian.Uint64(head[0:8])
		n := int(binary.LittleEndian.Uint16(head[8:10]))

		body := make([]byte, n*batchEntrySize)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrTruncated
			}
			return nil, err
		}
		for i := 0; i < n; i++ {
			e := body[i*batchEntrySize:]
			records = append(records, model.Update{
				Timestamp: ref + uint64(binary.LittleEndian.Uint16(e[0:2])),
				Seq:       binary.LittleEndian.Uint32(e[2:6]),
				IsTrade:   e[6]&flagTrade != 0,
				IsBid:     e[6]&flagBid != 0,
				Price:     math.Float32frombits(binary.LittleEndian.Uint32(e[7:11])),
				Size:      math.Float32frombits(binary.LittleEndian.Uint32(e[11:15])),
			})
		}
	}
}
