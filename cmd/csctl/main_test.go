package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/csctl/internal/config"
	"github.com/danmuck/csctl/internal/testutil/testlog"
)

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"dev": false, "build": false, "publish": false, "relay": false, "worker": true}
	for _, c := range root.Commands() {
		hidden, ok := want[c.Name()]
		if !ok {
			continue
		}
		if c.Hidden != hidden {
			t.Fatalf("%s hidden=%v, want %v", c.Name(), c.Hidden, hidden)
		}
		delete(want, c.Name())
	}
	if len(want) != 0 {
		t.Fatalf("missing commands: %v", want)
	}
}

func TestDevFlagsOverrideFileValues(t *testing.T) {
	cmd := newDevCmd()
	if err := cmd.ParseFlags([]string{"--mode", "worker", "--port", "9999"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg := config.DefaultProject("/p")
	cfg.Watch = true
	applyDevFlags(cmd, &cfg)
	if cfg.Mode != config.ModeWorker || cfg.Port != 9999 || !cfg.Watch {
		t.Fatalf("unexpected config after flags: %+v", cfg)
	}
}

func TestBuildCommandWritesBundle(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "main.js"), []byte("handlers.hi = function () { return 1; };\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, args := range [][]string{
		{"build", "--dir", dir},
		{"build", "--dir", dir, "--release"},
	} {
		root := newRootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(args)
		if err := root.Execute(); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !strings.Contains(out.String(), filepath.Join(dir, config.BuildDir)) {
			t.Fatalf("%v: unexpected output %q", args, out.String())
		}
	}

	dev, err := os.ReadFile(filepath.Join(dir, config.BuildDir, "cloudscript.js"))
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	if !strings.Contains(string(dev), "ORIGINAL_CLOUDSCRIPT_FILE") {
		t.Fatalf("dev bundle lacks markers:\n%s", dev)
	}
	release, err := os.ReadFile(filepath.Join(dir, config.BuildDir, "cloudscript.min.js"))
	if err != nil {
		t.Fatalf("read release: %v", err)
	}
	if strings.Contains(string(release), "ORIGINAL_CLOUDSCRIPT_FILE") {
		t.Fatalf("release script carries markers:\n%s", release)
	}
}

func TestWorkerRequiresBundle(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"worker"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected missing --bundle error")
	}
}

func TestPublishRequiresCredentials(t *testing.T) {
	testlog.Start(t)
	t.Setenv("TITLE_ID", "")
	t.Setenv("TITLE_SECRET", "")
	root := newRootCmd()
	root.SetArgs([]string{"publish", "--dir", t.TempDir()})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "TITLE_ID") {
		t.Fatalf("expected missing title error, got %v", err)
	}
}
