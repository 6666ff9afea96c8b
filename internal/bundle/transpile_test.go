package bundle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/csctl/internal/testutil/testlog"
)

type memoryCache struct {
	entries map[string][2]string
	lookups int
	stores  int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: make(map[string][2]string)}
}

func (c *memoryCache) key(path string, modTime time.Time, version string) string {
	return path + "|" + modTime.String() + "|" + version
}

func (c *memoryCache) Lookup(_ context.Context, path string, modTime time.Time, version string) (string, []byte, bool, error) {
	c.lookups++
	e, ok := c.entries[c.key(path, modTime, version)]
	if !ok {
		return "", nil, false, nil
	}
	return e[0], []byte(e[1]), true, nil
}

func (c *memoryCache) Store(_ context.Context, path string, modTime time.Time, version string, code string, sourceMap []byte) error {
	c.stores++
	c.entries[c.key(path, modTime, version)] = [2]string{code, string(sourceMap)}
	return nil
}

const typedSource = `function f2(x: number): number {
  const y: number = x + 1;
  throw new Error("boom " + y);
}
handlers.g = f2;
`

func lineContaining(t *testing.T, code, needle string) int {
	t.Helper()
	for i, line := range splitLines(code) {
		if strings.Contains(line, needle) {
			return i + 1
		}
	}
	t.Fatalf("no line containing %q in:\n%s", needle, code)
	return 0
}

func TestTranspileTypedUnitMapsBackToSource(t *testing.T) {
	testlog.Start(t)
	u := SourceUnit{Path: "/p/B.ts", Kind: KindTyped, Text: typedSource, ModTime: time.Unix(1, 0)}
	em, err := NewTranspiler(nil).Transpile(context.Background(), u)
	if err != nil {
		t.Fatalf("transpile: %v", err)
	}
	if strings.Contains(em.Code, ": number") {
		t.Fatalf("type annotations survived:\n%s", em.Code)
	}
	if em.Map.Len() == 0 {
		t.Fatalf("expected position map entries")
	}
	throwLine := lineContaining(t, em.Code, "throw")
	if got, ok := em.Map.Original(throwLine); !ok || got != 3 {
		t.Fatalf("throw on emitted line %d maps to %d (ok=%v), want 3\n%s", throwLine, got, ok, em.Code)
	}
	for i, line := range splitLines(em.Code) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "(() =>") || trimmed == "})();" {
			t.Fatalf("module wrapper left active on line %d: %q", i+1, line)
		}
	}
}

func TestTranspileUsesCache(t *testing.T) {
	testlog.Start(t)
	cache := newMemoryCache()
	tr := NewTranspiler(cache)
	u := SourceUnit{Path: "/p/B.ts", Kind: KindTyped, Text: typedSource, ModTime: time.Unix(1, 0)}

	first, err := tr.Transpile(context.Background(), u)
	if err != nil {
		t.Fatalf("first transpile: %v", err)
	}
	if cache.stores != 1 {
		t.Fatalf("expected one store, got %d", cache.stores)
	}

	// A cache hit must not depend on the text being transpiled again.
	u.Text = "this is not valid typescript {"
	second, err := tr.Transpile(context.Background(), u)
	if err != nil {
		t.Fatalf("second transpile should hit cache: %v", err)
	}
	if first.Code != second.Code {
		t.Fatalf("cached output differs")
	}
	if cache.stores != 1 {
		t.Fatalf("cache hit should not store again, got %d stores", cache.stores)
	}
}

func TestTranspileReportsSyntaxErrors(t *testing.T) {
	testlog.Start(t)
	u := SourceUnit{Path: "/p/Bad.ts", Kind: KindTyped, Text: "function (\n"}
	_, err := NewTranspiler(nil).Transpile(context.Background(), u)
	if !errors.Is(err, ErrTranspile) {
		t.Fatalf("expected ErrTranspile, got %v", err)
	}
	if !strings.Contains(err.Error(), "/p/Bad.ts:") {
		t.Fatalf("error should name the file: %v", err)
	}
}

func TestTranspilePlainUnitIsNeutralizedOnly(t *testing.T) {
	testlog.Start(t)
	u := SourceUnit{Path: "/p/A.js", Kind: KindPlain, Text: "const x = require('x');\nvar a = 1;\n"}
	em, err := NewTranspiler(nil).Transpile(context.Background(), u)
	if err != nil {
		t.Fatalf("transpile: %v", err)
	}
	if em.Map != nil {
		t.Fatalf("plain unit should not carry a position map")
	}
	if !strings.HasSuffix(em.Code, "var a = 1;\n") || !strings.HasPrefix(em.Code, "/*") {
		t.Fatalf("unexpected plain output %q", em.Code)
	}
}
