package bundle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/csctl/internal/testutil/testlog"
)

func TestBuildWritesBundleAndIndex(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	writeFile(t, root, "A.js", "var greeting = 'hi';\nhandlers.hello = function () { return greeting; };\n")
	writeFile(t, root, "B.ts", typedSource)
	writeFile(t, root, "ServerUtils.ts", "namespace ServerUtilsInternal {\n  export function startServer() {}\n}\n")

	out := filepath.Join(root, ".csctl", "cloudscript.js")
	b, err := NewBuilder(root, out, nil).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	if string(raw) != b.Text {
		t.Fatalf("written bundle differs from compiled text")
	}
	if len(b.Records) != 3 {
		t.Fatalf("expected 3 units, got %d", len(b.Records))
	}
	if filepath.Base(b.Records[0].Path) != "ServerUtils.ts" {
		t.Fatalf("startup unit not first: %s", b.Records[0].Path)
	}

	var typed Record
	for _, r := range b.Records {
		if filepath.Base(r.Path) == "B.ts" {
			typed = r
		}
	}
	lines := splitLines(b.Text)
	for i := typed.MarkerLine + 1; i <= typed.LastLine; i++ {
		if strings.Contains(lines[i-1], "throw") {
			loc, ok := b.ReverseMap(i)
			if !ok || loc.Line != 3 || filepath.Base(loc.Path) != "B.ts" {
				t.Fatalf("throw line reverse-maps to %v ok=%v", loc, ok)
			}
			return
		}
	}
	t.Fatalf("throw statement not found in bundle")
}

func TestBuildReleaseIsMinifiedWithoutMarkers(t *testing.T) {
	testlog.Start(t)
	root := t.TempDir()
	writeFile(t, root, "A.js", "var greeting = 'hi';\n\n\nhandlers.hello = function () {\n  return greeting;\n};\n")
	writeFile(t, root, "B.ts", typedSource)

	out, err := NewBuilder(root, filepath.Join(root, ".csctl", "cloudscript.js"), nil).BuildRelease(context.Background())
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if strings.Contains(out, "ORIGINAL_CLOUDSCRIPT_FILE") {
		t.Fatalf("release output contains markers")
	}
	if strings.Contains(out, "IS_DEVELOPMENT") {
		t.Fatalf("release output contains dev scaffolding")
	}
	if !strings.Contains(out, "handlers.hello") || !strings.Contains(out, "handlers.g") {
		t.Fatalf("release output lost handler registrations:\n%s", out)
	}
}
