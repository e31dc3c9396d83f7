package freq

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// Range is a closed interval of frequencies in Hz.
type Range struct {
	Low  uint64 `json:"low" yaml:"low"`
	High uint64 `json:"high" yaml:"high"`
}

// Contains reports whether hz falls inside the range.
func (r Range) Contains(hz uint64) bool {
	return hz >= r.Low && hz <= r.High
}

func (r Range) valid() bool {
	return r.Low > 0 && r.High >= r.Low
}

// Spec is a tagged union describing where a challenge may transmit.
// Exactly one of Single, Range or Bands is set.
type Spec struct {
	Single uint64   `json:"single_hz,omitempty" yaml:"single_hz,omitempty"`
	Range  *Range   `json:"range,omitempty" yaml:"range,omitempty"`
	Bands  []string `json:"bands,omitempty" yaml:"bands,omitempty"`
}

// bandTable maps named amateur bands to their frequency ranges.
var bandTable = map[string]Range{
	"160m": {1800000, 2000000},
	"80m":  {3500000, 4000000},
	"40m":  {7000000, 7300000},
	"20m":  {14000000, 14350000},
	"17m":  {18068000, 18168000},
	"15m":  {21000000, 21450000},
	"10m":  {28000000, 29700000},
	"6m":   {50000000, 54000000},
	"2m":   {144000000, 148000000},
	"1.25m": {219000000, 225000000},
	"70cm": {420000000, 450000000},
	"33cm": {902000000, 928000000},
	"23cm": {1240000000, 1300000000},
}

// BandRange resolves a named band.
func BandRange(name string) (Range, bool) {
	r, ok := bandTable[strings.ToLower(name)]
	return r, ok
}

// Validate checks that the spec has exactly one variant set and that the
// variant resolves to at least one valid range.
func (s *Spec) Validate() error {
	set := 0
	if s.Single != 0 {
		set++
	}
	if s.Range != nil {
		set++
	}
	if len(s.Bands) > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("frequency spec must set exactly one of single_hz, range, bands")
	}
	if s.Range != nil && !s.Range.valid() {
		return fmt.Errorf("invalid frequency range %d-%d", s.Range.Low, s.Range.High)
	}
	for _, b := range s.Bands {
		if _, ok := BandRange(b); !ok {
			return fmt.Errorf("unknown band %q", b)
		}
	}
	return nil
}

// Ranges resolves the spec to its allowed set of ranges. A single frequency
// resolves to a degenerate range.
func (s *Spec) Ranges() ([]Range, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch {
	case s.Single != 0:
		return []Range{{Low: s.Single, High: s.Single}}, nil
	case s.Range != nil:
		return []Range{*s.Range}, nil
	default:
		out := make([]Range, 0, len(s.Bands))
		for _, b := range s.Bands {
			r, _ := BandRange(b)
			out = append(out, r)
		}
		return Normalize(out), nil
	}
}

// Normalize sorts ranges and merges overlapping or adjacent intervals.
func Normalize(rs []Range) []Range {
	if len(rs) <= 1 {
		return rs
	}
	sorted := make([]Range, len(rs))
	copy(sorted, rs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Low < sorted[j].Low })

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Low <= last.High+1 {
			if r.High > last.High {
				last.High = r.High
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Intersect returns the intersection of two range sets.
func Intersect(a, b []Range) []Range {
	var out []Range
	for _, x := range Normalize(a) {
		for _, y := range Normalize(b) {
			low, high := x.Low, x.High
			if y.Low > low {
				low = y.Low
			}
			if y.High < high {
				high = y.High
			}
			if low <= high {
				out = append(out, Range{Low: low, High: high})
			}
		}
	}
	return Normalize(out)
}

// ContainsAny reports whether hz is inside any of the ranges.
func ContainsAny(rs []Range, hz uint64) bool {
	for _, r := range rs {
		if r.Contains(hz) {
			return true
		}
	}
	return false
}

// pickStep is the granularity used when choosing a frequency inside a
// range. 1 kHz keeps chosen frequencies on tunable boundaries.
const pickStep = 1000

// Pick chooses a concrete frequency from the intersection of the spec's
// allowed set and the given capability ranges. Returns false when the
// intersection is empty.
func Pick(spec *Spec, caps []Range, rng *rand.Rand) (uint64, bool) {
	allowed, err := spec.Ranges()
	if err != nil {
		return 0, false
	}
	inter := Intersect(allowed, caps)
	if len(inter) == 0 {
		return 0, false
	}

	// A single-frequency spec intersects as a degenerate range.
	if spec.Single != 0 {
		return spec.Single, true
	}

	r := inter[rng.Intn(len(inter))]
	span := r.High - r.Low
	if span == 0 {
		return r.Low, true
	}
	hz := r.Low + uint64(rng.Int63n(int64(span+1)))
	// Quantize toward the low edge so the result stays inside the range.
	if q := (hz - r.Low) % pickStep; q != 0 && hz-q >= r.Low {
		hz -= q
	}
	return hz, true
}
