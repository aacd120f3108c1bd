// Package control turns operator input into command lines for the session
// loops: lines read from a terminal, and song files dropped into a watched
// directory.
package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/1ureka/ensemble/internal/util"
)

// Lines sends every non-empty trimmed line of r to out until r is exhausted
// or ctx is done. A read blocked on a terminal is not interrupted by ctx, so
// callers run Lines in its own goroutine rather than waiting on it.
func Lines(ctx context.Context, r io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}

// IsSong reports whether path names a standard MIDI file.
func IsSong(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi":
		return true
	}
	return false
}

// Watch sends the path of every MIDI file created in dir to out. A file is
// reported once it has gone settle without further writes, so a file still
// being copied is not played half-written.
func Watch(ctx context.Context, dir string, settle time.Duration, out chan<- string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	util.LogInfo("watching %s for songs", dir)

	tick := settle / 2
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]time.Time) // path -> last write

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsSong(event.Name) {
				continue
			}
			switch {
			case event.Op&fsnotify.Create != 0:
				pending[event.Name] = time.Now()
			case event.Op&fsnotify.Write != 0:
				if _, ok := pending[event.Name]; ok {
					pending[event.Name] = time.Now()
				}
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			util.LogWarning("watcher: %v", err)

		case now := <-ticker.C:
			for path, at := range pending {
				if now.Sub(at) < settle {
					continue
				}
				delete(pending, path)
				select {
				case out <- path:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}
