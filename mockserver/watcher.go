package mockserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/GoCodeAlone/modular"
	"github.com/fsnotify/fsnotify"
)

// StubWatcher reloads a stub directory into a server when its files change.
type StubWatcher struct {
	dir      string
	server   *Server
	debounce time.Duration
	logger   modular.Logger

	fsWatcher *fsnotify.Watcher
	closeFS   func() error
	done      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	lastHash  string

	mu      sync.Mutex
	pending time.Time
}

// NewStubWatcher creates a watcher of dir feeding server.
func NewStubWatcher(dir string, server *Server, debounce time.Duration, logger modular.Logger) *StubWatcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &StubWatcher{dir: dir, server: server, debounce: debounce, logger: logger, done: make(chan struct{})}
}

// Start loads the stubs once and begins watching the directory.
func (w *StubWatcher) Start() error {
	if err := w.reload(); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("mockserver: create fsnotify: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("mockserver: watch %s: %w", w.dir, err)
	}
	w.fsWatcher = fsw
	w.closeFS = fsw.Close
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends the watch. It is safe to call more than once.
func (w *StubWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
	if w.closeFS != nil {
		return w.closeFS()
	}
	return nil
}

func (w *StubWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 && isStubFile(event.Name) {
				w.mu.Lock()
				w.pending = time.Now()
				w.mu.Unlock()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Stub watcher error", "dir", w.dir, "error", err)
		case <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && time.Since(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()
			if due {
				if err := w.reload(); err != nil {
					w.logger.Error("Stub reload failed; keeping previous stubs", "dir", w.dir, "error", err)
				}
			}
		}
	}
}

func (w *StubWatcher) reload() error {
	hash, err := hashStubs(w.dir)
	if err != nil {
		return fmt.Errorf("mockserver: hash stubs in %s: %w", w.dir, err)
	}
	if hash == w.lastHash {
		return nil
	}
	stubs, err := LoadStubs(w.dir)
	if err != nil {
		return err
	}
	if err := w.server.SetStubs(stubs); err != nil {
		return err
	}
	w.lastHash = hash
	w.logger.Info("Mock server stubs loaded", "dir", w.dir, "mappings", len(stubs))
	return nil
}
