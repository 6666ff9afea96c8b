package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/csctl/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func TestDiscoverOrdersAndFilters(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	writeFile(t, root, "A.js", "")
	writeFile(t, root, "B.ts", "")
	writeFile(t, root, "ServerUtils.ts", "")
	writeFile(t, root, "lib/C.js", "")
	writeFile(t, root, "lib/types.d.ts", "")
	writeFile(t, root, "node_modules/dep/index.js", "")
	writeFile(t, root, "typings/playfab.ts", "")
	writeFile(t, root, ".csctl/cloudscript.js", "")
	writeFile(t, root, ".hidden.js", "")
	writeFile(t, root, "README.md", "")
	writeFile(t, root, "scratch/tmp.js", "")

	got, err := Discover(root, []string{"scratch/"})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := []string{
		filepath.Join(root, "ServerUtils.ts"),
		filepath.Join(root, "A.js"),
		filepath.Join(root, "B.ts"),
		filepath.Join(root, "lib", "C.js"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("discover mismatch (-want +got):\n%s", diff)
	}
}

func TestReadUnitNormalizesLineEndings(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	path := writeFile(t, root, "A.js", "\ufeffvar a = 1;\r\nvar b = 2;\r\n")
	u, err := ReadUnit(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if u.Text != "var a = 1;\nvar b = 2;\n" {
		t.Fatalf("unexpected text %q", u.Text)
	}
	if u.Kind != KindPlain || u.LineCount() != 2 {
		t.Fatalf("unexpected unit kind=%v lines=%d", u.Kind, u.LineCount())
	}
}

func TestKindOf(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		path string
		kind Kind
		ok   bool
	}{
		{"a.js", KindPlain, true},
		{"b.ts", KindTyped, true},
		{"c.d.ts", KindPlain, false},
		{"d.json", KindPlain, false},
	}
	for _, tc := range cases {
		kind, ok := KindOf(tc.path)
		if kind != tc.kind || ok != tc.ok {
			t.Fatalf("KindOf(%q) = (%v, %v), want (%v, %v)", tc.path, kind, ok, tc.kind, tc.ok)
		}
	}
}
