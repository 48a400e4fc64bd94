package candles

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFinerScale is returned when a rebin targets a scale finer than the source.
	ErrFinerScale = errors.New("target scale is finer than series scale")

	// ErrMalformedCSV is returned when candle text cannot be parsed.
	ErrMalformedCSV = errors.New("malformed candle csv")
)

// ConsistencyError reports a broken internal invariant of a series.
//
// It is raised with panic, never returned: it means the input series was corrupt
// or the engine has a bug, and continuing would silently produce wrong candles.
type ConsistencyError struct {
	Op     string
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("candles: internal consistency failure in %s: %s", e.Op, e.Detail)
}

// Series is an ordered run of candles of Scale minutes each.
type Series struct {
	Candles []Candle
	Scale   uint32
}

// NewSeries wraps candles, which must already be sorted by time.
func NewSeries(candles []Candle, scale uint32) *Series {
	return &Series{Candles: candles, Scale: scale}
}

// step returns the candle width in seconds; a zero scale is treated as one minute.
func (s *Series) step() uint32 {
	if s.Scale == 0 {
		return 60
	}
	return s.Scale * 60
}

// Len returns the number of candles.
func (s *Series) Len() int {
	return len(s.Candles)
}

// Sequential reports whether the k-th candle starts exactly k*Scale minutes after the first.
func (s *Series) Sequential() bool {
	_, ok := s.firstBreak()
	return ok
}

func (s *Series) firstBreak() (int, bool) {
	if len(s.Candles) == 0 {
		return 0, true
	}
	first := s.Candles[0].Time
	step := s.step()
	for k, c := range s.Candles {
		if c.Time != first+uint32(k)*step {
			return k, false
		}
	}
	return 0, true
}

// MustBeSequential panics with a ConsistencyError when the series has a gap or overlap.
func (s *Series) MustBeSequential(op string) {
	if k, ok := s.firstBreak(); !ok {
		panic(&ConsistencyError{
			Op: op,
			Detail: fmt.Sprintf("candle %d has time %d, expected %d (first %d, scale %d)",
				k, s.Candles[k].Time, s.Candles[0].Time+uint32(k)*s.step(), s.Candles[0].Time, s.Scale),
		})
	}
}

// MissingEpochs returns, ascending, every grid timestamp in [first, last) with no candle.
func (s *Series) MissingEpochs() []uint32 {
	if len(s.Candles) == 0 {
		return nil
	}

	present := make(map[uint32]struct{}, len(s.Candles))
	for _, c := range s.Candles {
		present[c.Time] = struct{}{}
	}

	// the walk runs in uint64 so an off-grid last candle near MaxUint32 cannot wrap it
	var missing []uint32
	last := uint64(s.Candles[len(s.Candles)-1].Time)
	for it := uint64(s.Candles[0].Time); it < last; it += uint64(s.step()) {
		if _, ok := present[uint32(it)]; !ok {
			missing = append(missing, uint32(it))
		}
	}
	return missing
}

// MissingRanges returns the missing epochs compressed into inclusive runs.
func (s *Series) MissingRanges() []Range {
	return Ranges(s.MissingEpochs())
}

// InsertContinuationCandles replaces the series with flat candles covering its gaps.
//
// NOTE: only the synthesized candles survive; candles that were not part of a gap
// walk are dropped. Each walk starts at the candle preceding the gap and uses its
// close as the flat price.
func (s *Series) InsertContinuationCandles() {
	if len(s.Candles) == 0 {
		return
	}

	var filled []Candle
	lastTs := s.Candles[0].Time
	lastClose := s.Candles[0].Close
	for _, c := range s.Candles {
		if c.Time != lastTs+60 && lastTs != 0 && lastTs != c.Time {
			for cur := uint64(lastTs); cur < uint64(c.Time); cur += 60 {
				filled = append(filled, flat(uint32(cur), lastClose))
			}
		}
		lastTs = c.Time
		lastClose = c.Close
	}
	s.Candles = filled
}

// Rebin resamples the series into candles of newScale minutes.
//
// Consecutive groups of newScale source candles become one candle: open of the first,
// close of the last, extreme high and low, summed volume. With align set, leading
// candles are discarded until one sits on a multiple of the source scale.
// A newScale equal to the current scale returns the receiver itself.
//
// Rebin panics with a ConsistencyError if the output count is not len/newScale or
// the output is not sequential, which happens when the input has gaps.
func (s *Series) Rebin(align bool, newScale uint32) (*Series, error) {
	if newScale < s.Scale {
		return nil, fmt.Errorf("%w: %d < %d", ErrFinerScale, newScale, s.Scale)
	}
	if newScale == s.Scale {
		return s, nil
	}

	// --|------|------|------|-->
	//   ^ discard up to this point when aligning
	snap := s.step()
	n := int(newScale)
	res := make([]Candle, 0, len(s.Candles)/n)

	var acc Candle
	aligned := false
	i := 0
	for _, c := range s.Candles {
		if align && !aligned {
			if c.Time%snap != 0 {
				continue
			}
			aligned = true
			i = 0
		}

		if i%n == 0 {
			acc = Candle{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Volume: c.Volume}
			i++
			continue
		}

		if c.High > acc.High {
			acc.High = c.High
		}
		if c.Low < acc.Low {
			acc.Low = c.Low
		}
		acc.Volume += c.Volume

		if i%n == n-1 {
			acc.Close = c.Close
			res = append(res, acc)
		}
		i++
	}

	if len(res) != len(s.Candles)/n {
		panic(&ConsistencyError{
			Op:     "rebin",
			Detail: fmt.Sprintf("produced %d candles from %d at scale %d, expected %d", len(res), len(s.Candles), newScale, len(s.Candles)/n),
		})
	}

	out := NewSeries(res, newScale)
	out.MustBeSequential("rebin")
	return out, nil
}

// CSV renders one line per candle, newline separated, without header or trailing newline.
func (s *Series) CSV() string {
	lines := make([]string, 0, len(s.Candles))
	for _, c := range s.Candles {
		lines = append(lines, c.CSV())
	}
	return strings.Join(lines, "\n")
}

// ParseCSV parses text produced by Series.CSV. The scale is inferred from the
// spacing of the first two candles and defaults to 1.
func ParseCSV(text string) (*Series, error) {
	var candles []Candle
	for i, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		c, err := ParseCandle(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		candles = append(candles, c)
	}

	scale := uint32(1)
	if len(candles) > 1 && candles[1].Time > candles[0].Time {
		if step := (candles[1].Time - candles[0].Time) / 60; step > 0 {
			scale = step
		}
	}
	return NewSeries(candles, scale), nil
}
