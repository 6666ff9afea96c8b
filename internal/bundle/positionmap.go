package bundle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-sourcemap/sourcemap"
)

// PositionMap relates emitted lines of a typed unit to its original
// lines. Both sides are 1-based and relative to the unit.
type PositionMap struct {
	emitted  []int
	original []int
}

// NewPositionMap builds a map from explicit emitted->original pairs.
func NewPositionMap(pairs map[int]int) *PositionMap {
	m := &PositionMap{}
	for e := range pairs {
		m.emitted = append(m.emitted, e)
	}
	sort.Ints(m.emitted)
	m.original = make([]int, len(m.emitted))
	for i, e := range m.emitted {
		m.original[i] = pairs[e]
	}
	return m
}

// PositionMapFromSourceMap derives a line map from a v3 source map and the
// emitted code it describes. Each emitted line is looked up at its first
// non-blank column.
func PositionMapFromSourceMap(raw []byte, emitted string) (*PositionMap, error) {
	consumer, err := sourcemap.Parse("", raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceMap, err)
	}
	pairs := make(map[int]int)
	for i, line := range splitLines(emitted) {
		col := len(line) - len(strings.TrimLeft(line, " \t"))
		if col == len(line) {
			continue
		}
		_, _, orig, _, ok := consumer.Source(i+1, col)
		if !ok || orig <= 0 {
			continue
		}
		pairs[i+1] = orig
	}
	return NewPositionMap(pairs), nil
}

func (m *PositionMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.emitted)
}

// LastEmitted is the highest emitted line with an entry, or 0.
func (m *PositionMap) LastEmitted() int {
	if m.Len() == 0 {
		return 0
	}
	return m.emitted[len(m.emitted)-1]
}

// Original resolves an emitted line to the original line of the nearest
// entry at or above it. Lines above the first entry take the first entry.
func (m *PositionMap) Original(emittedLine int) (int, bool) {
	if m.Len() == 0 {
		return 0, false
	}
	i := sort.SearchInts(m.emitted, emittedLine)
	if i < len(m.emitted) && m.emitted[i] == emittedLine {
		return m.original[i], true
	}
	if i == 0 {
		return m.original[0], true
	}
	return m.original[i-1], true
}

// Emitted resolves an original line to the first emitted line that maps
// to it, or to the closest following original line.
func (m *PositionMap) Emitted(originalLine int) (int, bool) {
	best, bestOrig := 0, 0
	for i, orig := range m.original {
		if orig < originalLine {
			continue
		}
		if best == 0 || orig < bestOrig || (orig == bestOrig && m.emitted[i] < best) {
			best, bestOrig = m.emitted[i], orig
		}
	}
	return best, best != 0
}
