// Package watch reports debounced source changes under a project root.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/csctl/internal/bundle"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	ignore "github.com/sabhiram/go-gitignore"
)

var ErrWatch = errors.New("watch: watcher failed")

// DefaultDebounce is how long the tree must be quiet before a batch is
// reported.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a project tree. Each value on Changes is the sorted set
// of relevant files touched since the previous batch.
type Watcher struct {
	Root    string
	Changes <-chan []string

	changes  chan []string
	debounce time.Duration
	matcher  *ignore.GitIgnore
	fw       *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New watches every non-ignored directory under root.
func New(root string, patterns []string, debounce time.Duration) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatch, err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatch, err)
	}
	ch := make(chan []string, 1)
	w := &Watcher{
		Root:     abs,
		Changes:  ch,
		changes:  ch,
		debounce: debounce,
		matcher:  ignore.CompileIgnoreLines(append(append([]string{}, bundle.DefaultIgnore...), patterns...)...),
		fw:       fw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.addTree(abs); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins delivering batches.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop ends the watcher and closes Changes.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fw.Close()
		<-w.done
		close(w.changes)
	})
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrWatch, walkErr)
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.Root && w.ignoredDir(path) {
			return filepath.SkipDir
		}
		if err := w.fw.Add(path); err != nil {
			return fmt.Errorf("%w: add %s: %v", ErrWatch, path, err)
		}
		return nil
	})
}

func (w *Watcher) ignoredDir(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	rel, err := filepath.Rel(w.Root, path)
	if err != nil {
		return true
	}
	return w.matcher.MatchesPath(filepath.ToSlash(rel) + "/")
}

// relevant reports whether a change to name should trigger a rebuild.
func (w *Watcher) relevant(name string) bool {
	rel, err := filepath.Rel(w.Root, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	base := filepath.Base(name)
	if filepath.Dir(name) == w.Root {
		switch base {
		case ".env", bundle.IgnoreFile, "cloudscript.toml":
			return true
		}
	}
	for _, part := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return false
		}
	}
	if strings.HasPrefix(base, ".") || w.matcher.MatchesPath(filepath.ToSlash(rel)) {
		return false
	}
	_, ok := bundle.KindOf(name)
	return ok
}

func (w *Watcher) loop() {
	defer close(w.done)
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.ignoredDir(event.Name) {
					if err := w.addTree(event.Name); err != nil {
						log.Warn().Err(err).Str("dir", event.Name).Msg("watch.Watcher add failed")
					}
					continue
				}
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				pending[event.Name] = struct{}{}
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for name := range pending {
				batch = append(batch, name)
			}
			sort.Strings(batch)
			pending = make(map[string]struct{})
			log.Debug().Strs("files", batch).Msg("watch.Watcher change batch")
			select {
			case w.changes <- batch:
			case <-w.stop:
				return
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("watch.Watcher error")
		}
	}
}
