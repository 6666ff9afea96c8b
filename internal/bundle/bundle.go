package bundle

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

const (
	markerPrefix = "/***  ORIGINAL_CLOUDSCRIPT_FILE:  ("
	markerSuffix = ")   ***/"
)

// Fixed scaffolding around the units. Neither part holds user code.
var (
	prologue = []string{
		"var handlers = {};",
		"var IS_DEVELOPMENT = true;",
	}
	// The completion value of the last statement exports the registry.
	epilogue = []string{
		"handlers;",
	}
)

// Marker returns the comment line that opens a unit in the bundle.
func Marker(path string) string {
	return markerPrefix + path + markerSuffix
}

func parseMarker(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, markerPrefix) || !strings.HasSuffix(line, markerSuffix) {
		return "", false
	}
	return line[len(markerPrefix) : len(line)-len(markerSuffix)], true
}

// Record indexes one unit. Lines are 1-based bundle lines; the unit's
// code occupies MarkerLine+1 through LastLine.
type Record struct {
	Path          string
	Kind          Kind
	MarkerLine    int
	LastLine      int
	OriginalLines int
	Map           *PositionMap
}

// Location is a position in an original source file.
type Location struct {
	Path string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Path, l.Line)
}

// CompiledUnit pairs a source unit with its emitted form.
type CompiledUnit struct {
	Unit    SourceUnit
	Emitted Emitted
}

// Bundle is the flat script plus its line index.
type Bundle struct {
	Path    string
	Text    string
	Records []Record
	Lines   int
}

// Compile lays units out in order: prologue, then each unit behind its
// marker, then the epilogue. path is the file name the bundle will be
// loaded under.
func Compile(path string, units []CompiledUnit) *Bundle {
	lines := append([]string{}, prologue...)
	records := make([]Record, 0, len(units))
	for _, cu := range units {
		lines = append(lines, Marker(cu.Unit.Path))
		rec := Record{
			Path:          cu.Unit.Path,
			Kind:          cu.Unit.Kind,
			MarkerLine:    len(lines),
			OriginalLines: cu.Unit.LineCount(),
			Map:           cu.Emitted.Map,
		}
		lines = append(lines, splitLines(cu.Emitted.Code)...)
		rec.LastLine = len(lines)
		records = append(records, rec)
	}
	lines = append(lines, epilogue...)
	return &Bundle{
		Path:    path,
		Text:    strings.Join(lines, "\n") + "\n",
		Records: records,
		Lines:   len(lines),
	}
}

// ParseIndex rebuilds an index from bundle text alone. Typed units get no
// position map and resolve as if plain.
func ParseIndex(path, text string) *Bundle {
	lines := splitLines(text)
	var records []Record
	for i, line := range lines {
		p, ok := parseMarker(line)
		if !ok {
			continue
		}
		if n := len(records); n > 0 {
			records[n-1].LastLine = i
		}
		kind, _ := KindOf(p)
		records = append(records, Record{Path: p, Kind: kind, MarkerLine: i + 1})
	}
	if n := len(records); n > 0 {
		last := len(lines) - len(epilogue)
		if last < records[n-1].MarkerLine {
			last = records[n-1].MarkerLine
		}
		records[n-1].LastLine = last
	}
	for i := range records {
		records[i].OriginalLines = records[i].LastLine - records[i].MarkerLine
	}
	return &Bundle{Path: path, Text: text, Records: records, Lines: len(lines)}
}

// Dir is the directory the bundle file lives in.
func (b *Bundle) Dir() string {
	if b.Path == "" {
		return ""
	}
	return filepath.Dir(b.Path)
}

// UnitAt returns the record whose marker is the nearest one at or above
// line. Prologue and epilogue lines belong to no unit.
func (b *Bundle) UnitAt(line int) (Record, bool) {
	i := sort.Search(len(b.Records), func(i int) bool {
		return b.Records[i].MarkerLine > line
	})
	if i == 0 {
		return Record{}, false
	}
	rec := b.Records[i-1]
	if line > rec.LastLine {
		return Record{}, false
	}
	return rec, true
}

// ReverseMap resolves a bundle line to the original file and line.
func (b *Bundle) ReverseMap(line int) (Location, bool) {
	rec, ok := b.UnitAt(line)
	if !ok || line == rec.MarkerLine {
		return Location{}, false
	}
	offset := line - rec.MarkerLine
	if rec.Kind == KindTyped && rec.Map.Len() > 0 {
		if offset > rec.Map.LastEmitted() {
			return Location{Path: rec.Path, Line: rec.OriginalLines}, true
		}
		orig, _ := rec.Map.Original(offset)
		return Location{Path: rec.Path, Line: orig}, true
	}
	return Location{Path: rec.Path, Line: offset}, true
}
