// Package whitelist aggregates the capability names that tests may request
// from declaration resources spread over several sources.
package whitelist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/GoCodeAlone/modular"
	"golang.org/x/sync/errgroup"
)

// ResourceName is the logical name of a declaration resource. Each
// resource lists one fully-qualified capability name per line.
const ResourceName = "forgeit/capabilities"

// Whitelist is the set of permitted capability names. It loads lazily and
// only grows afterwards. A failed load is retried by the next caller.
type Whitelist struct {
	sources []Source
	logger  modular.Logger

	loadMu sync.Mutex
	loaded bool

	mu      sync.RWMutex
	entries map[string]struct{}
	scanned int
}

// New creates a whitelist over sources. Nothing is read until the first
// call that needs the entries.
func New(logger modular.Logger, sources ...Source) *Whitelist {
	return &Whitelist{
		sources: sources,
		logger:  logger,
		entries: make(map[string]struct{}),
	}
}

// EnsureLoaded scans every source until one scan succeeds. Later calls are
// no-ops.
func (w *Whitelist) EnsureLoaded(ctx context.Context) error {
	w.loadMu.Lock()
	defer w.loadMu.Unlock()
	if w.loaded {
		return nil
	}
	if err := w.load(ctx); err != nil {
		return err
	}
	w.loaded = true
	return nil
}

func (w *Whitelist) load(ctx context.Context) error {
	scan := newScan()
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range w.sources {
		g.Go(func() error {
			if err := src.Collect(gctx, scan); err != nil {
				return fmt.Errorf("whitelist: source %s: %w", src.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	for name := range scan.names {
		w.entries[name] = struct{}{}
	}
	w.scanned = scan.scanned
	count := len(w.entries)
	w.mu.Unlock()

	if w.logger != nil {
		w.logger.Debug("Capability whitelist loaded", "entries", count, "resources", scan.scanned)
	}
	return nil
}

// IsPermitted reports whether name is whitelisted.
func (w *Whitelist) IsPermitted(ctx context.Context, name string) (bool, error) {
	if err := w.EnsureLoaded(ctx); err != nil {
		return false, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.entries[name]
	return ok, nil
}

// Admit makes sure name is whitelisted. A name no source declared is added
// with a warning rather than rejected. It reports whether the name had to be
// added.
func (w *Whitelist) Admit(ctx context.Context, name string) (bool, error) {
	if err := w.EnsureLoaded(ctx); err != nil {
		return false, err
	}

	w.mu.Lock()
	_, ok := w.entries[name]
	if !ok {
		w.entries[name] = struct{}{}
	}
	w.mu.Unlock()

	if !ok && w.logger != nil {
		w.logger.Warn("Capability not declared in any whitelist resource; registering it",
			"capability", name, "resource", ResourceName)
	}
	return !ok, nil
}

// Entries returns the loaded names in sorted order.
func (w *Whitelist) Entries() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.entries))
	for name := range w.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Scanned returns the number of physical resources read by the load.
func (w *Whitelist) Scanned() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scanned
}

// Parse reads a declaration resource, skipping blank lines and lines
// starting with '#'.
func Parse(r io.Reader) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return names, nil
}
