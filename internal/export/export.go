// Package export renders candle series to files in several formats.
package export

import (
	"fmt"
	"io"
	"strings"

	"candlestore/internal/candles"

	json "github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"
)

// Writer renders a series to w.
type Writer interface {
	Write(w io.Writer, s *candles.Series) error
	Extension() string
}

// Row is the flat record used by the parquet and json formats.
type Row struct {
	Time   int64   `json:"t" parquet:"t"`
	Open   float32 `json:"o" parquet:"o"`
	High   float32 `json:"h" parquet:"h"`
	Low    float32 `json:"l" parquet:"l"`
	Close  float32 `json:"c" parquet:"c"`
	Volume float32 `json:"v" parquet:"v"`
}

// Rows converts a series into rows.
func Rows(s *candles.Series) []Row {
	rows := make([]Row, len(s.Candles))
	for i, c := range s.Candles {
		rows[i] = Row{
			Time:   int64(c.Time),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		}
	}
	return rows
}

// NewWriter returns the writer for format (csv, parquet, json), or nil if the format
// is not supported.
func NewWriter(format string) Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVWriter{}
	case "parquet":
		return ParquetWriter{}
	case "json":
		return JSONWriter{}
	default:
		return nil
	}
}

// MustWriter is like NewWriter but panics on an unsupported format.
func MustWriter(format string) Writer {
	w := NewWriter(format)
	if w == nil {
		panic(fmt.Sprintf("export: unsupported format %q (use csv, parquet or json)", format))
	}
	return w
}

// CSVWriter writes one "time,open,high,low,close,volume" line per candle.
type CSVWriter struct{}

func (CSVWriter) Extension() string { return "csv" }

func (CSVWriter) Write(w io.Writer, s *candles.Series) error {
	out := s.CSV()
	if out != "" {
		out += "\n"
	}
	_, err := io.WriteString(w, out)
	return err
}

// ParquetWriter writes rows as a parquet file.
type ParquetWriter struct{}

func (ParquetWriter) Extension() string { return "parquet" }

func (ParquetWriter) Write(w io.Writer, s *candles.Series) error {
	return parquet.Write(w, Rows(s))
}

// JSONWriter writes rows as a JSON array.
type JSONWriter struct{}

func (JSONWriter) Extension() string { return "json" }

func (JSONWriter) Write(w io.Writer, s *candles.Series) error {
	return json.NewEncoder(w).Encode(Rows(s))
}
