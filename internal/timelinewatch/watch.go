// Package timelinewatch tails a directory of timeline fragment files as
// the first probe writes them (spec §6's file-based transport), so the
// driver can assemble the merged timeline without waiting for the probe's
// subprocess to exit.
//
// fsnotify is declared in go.mod but never imported anywhere upstream of
// this package; this is its first real use, watching the timeline
// directory the proxy (internal/proxy.Config.TimelineDir) writes into.
package timelinewatch

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tinystack-dev/pkgbisect/internal/timeline"
)

// Watcher accumulates timeline events observed in a directory as JSON
// fragment files land in it. Create one per first probe, Close it once
// the probe's subprocess has exited to get the final merged timeline.
type Watcher struct {
	dir  string
	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	events   []timeline.Event
	consumed map[string]bool
}

// New starts watching dir. dir must already exist.
func New(dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:      dir,
		fsw:      fsw,
		done:     make(chan struct{}),
		consumed: make(map[string]bool),
	}

	w.wg.Add(1)
	go w.loop()

	// Fragments may already exist if the proxy wrote before the watch
	// was established (a probe with a fast first response).
	w.scanDir()

	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != ".json" {
				continue
			}
			w.ingest(ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("pkgbisect: timeline watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) ingest(path string) {
	w.mu.Lock()
	if w.consumed[path] {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		// The proxy writes to a .tmp name and renames into place; a read
		// racing that rename is expected to occasionally miss, and the
		// final scanDir on Close catches anything this misses.
		return
	}

	var batch []timeline.Event
	if err := json.Unmarshal(data, &batch); err != nil {
		return
	}

	w.mu.Lock()
	w.consumed[path] = true
	w.events = append(w.events, batch...)
	w.mu.Unlock()
}

func (w *Watcher) scanDir() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		w.ingest(filepath.Join(w.dir, e.Name()))
	}
}

// Peek returns a snapshot of events accumulated so far without stopping
// the watch.
func (w *Watcher) Peek() []timeline.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]timeline.Event, len(w.events))
	copy(out, w.events)
	return timeline.Merge(out)
}

// Close stops watching and returns the merged, deduplicated timeline
// accumulated over the watcher's lifetime, including a final directory
// scan for anything the notification stream missed.
func (w *Watcher) Close() []timeline.Event {
	close(w.done)
	w.fsw.Close()
	w.wg.Wait()

	w.scanDir()

	w.mu.Lock()
	defer w.mu.Unlock()
	return timeline.Merge(w.events)
}
