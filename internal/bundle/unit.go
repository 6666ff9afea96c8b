package bundle

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
)

type Kind int

const (
	KindPlain Kind = iota
	KindTyped
)

func (k Kind) String() string {
	if k == KindTyped {
		return "typed"
	}
	return "plain"
}

// StartupUnit is the base name (without extension) of the unit that is
// always emitted first.
const StartupUnit = "ServerUtils"

// IgnoreFile holds extra gitignore-style patterns at the project root.
const IgnoreFile = ".cloudscriptignore"

// DefaultIgnore lists directories never scanned for sources.
var DefaultIgnore = []string{"node_modules/", "typings/"}

// SourceUnit is one script file read from the project.
type SourceUnit struct {
	Path    string
	Kind    Kind
	Text    string
	ModTime time.Time
}

// LineCount is the number of source lines in the unit.
func (u SourceUnit) LineCount() int {
	return len(splitLines(u.Text))
}

// KindOf classifies a file by extension. Declaration files are skipped.
func KindOf(path string) (Kind, bool) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.HasSuffix(name, ".d.ts"):
		return KindPlain, false
	case strings.HasSuffix(name, ".ts"):
		return KindTyped, true
	case strings.HasSuffix(name, ".js"):
		return KindPlain, true
	default:
		return KindPlain, false
	}
}

// Discover lists script files under root in walk order, with the startup
// unit moved to the front. Dot-prefixed entries and ignored paths are
// skipped.
func Discover(root string, patterns []string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	matcher := ignore.CompileIgnoreLines(append(append([]string{}, DefaultIgnore...), patterns...)...)

	var paths []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == abs {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if matcher.MatchesPath(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.MatchesPath(rel) {
			return nil
		}
		if _, ok := KindOf(path); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDiscovery, abs, err)
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return isStartupUnit(paths[i]) && !isStartupUnit(paths[j])
	})
	return paths, nil
}

func isStartupUnit(path string) bool {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) == StartupUnit
}

// ReadUnit loads one source file. Line endings are normalized to "\n" so
// line counts agree with the script engine.
func ReadUnit(path string) (SourceUnit, error) {
	kind, ok := KindOf(path)
	if !ok {
		return SourceUnit{}, fmt.Errorf("%w: %s: not a script file", ErrRead, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return SourceUnit{}, fmt.Errorf("%w: %v", ErrRead, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return SourceUnit{}, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return SourceUnit{
		Path:    path,
		Kind:    kind,
		Text:    normalizeText(string(raw)),
		ModTime: info.ModTime(),
	}, nil
}

// ReadIgnorePatterns returns the patterns in root's ignore file, if any.
func ReadIgnorePatterns(root string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(root, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	return strings.Split(normalizeText(string(raw)), "\n"), nil
}

func normalizeText(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// splitLines splits text into lines. A trailing newline does not start
// an extra line and empty text has no lines.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}
