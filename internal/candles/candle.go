package candles

import (
	"fmt"
	"strconv"
	"strings"
)

// Candle is one OHLCV bucket. Time is the bucket start in epoch seconds, aligned
// to the scale of the series holding it. Candles order by Time only.
type Candle struct {
	Time   uint32
	Open   float32
	High   float32
	Low    float32
	Close  float32
	Volume float32
}

// flat returns a zero volume continuation candle at price.
func flat(time uint32, price float32) Candle {
	return Candle{Time: time, Open: price, High: price, Low: price, Close: price}
}

// CSV renders the candle as time,open,high,low,close,volume.
func (c Candle) CSV() string {
	return strings.Join([]string{
		strconv.FormatUint(uint64(c.Time), 10),
		formatFloat(c.Open),
		formatFloat(c.High),
		formatFloat(c.Low),
		formatFloat(c.Close),
		formatFloat(c.Volume),
	}, ",")
}

// formatFloat uses the shortest representation that parses back to the same float32.
func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', -1, 32)
}

// ParseCandle parses one line produced by Candle.CSV.
func ParseCandle(line string) (Candle, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 6 {
		return Candle{}, fmt.Errorf("%w: expected 6 fields, got %d in %q", ErrMalformedCSV, len(fields), line)
	}

	t, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return Candle{}, fmt.Errorf("%w: time %q: %v", ErrMalformedCSV, fields[0], err)
	}

	var vals [5]float32
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return Candle{}, fmt.Errorf("%w: field %d %q: %v", ErrMalformedCSV, i+1, f, err)
		}
		vals[i] = float32(v)
	}

	return Candle{
		Time:   uint32(t),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

// Range is an inclusive run of epochs spaced one minute apart.
type Range struct {
	Start uint32
	End   uint32
}

// Ranges compresses an ascending list of minute epochs into maximal contiguous runs.
//
//	[60 120 180 600 660 720] -> [{60 180} {600 720}]
//
// Every epoch of a run maps to the same epoch/60 - index key, so runs are found by
// grouping consecutive equal keys.
func Ranges(epochs []uint32) []Range {
	var out []Range
	for t := 0; t < len(epochs); {
		key := int64(epochs[t]/60) - int64(t)
		l := 1
		for t+l < len(epochs) && int64(epochs[t+l]/60)-int64(t+l) == key {
			l++
		}
		out = append(out, Range{Start: epochs[t], End: epochs[t] + 60*uint32(l-1)})
		t += l
	}
	return out
}
