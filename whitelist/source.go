package whitelist

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Source yields declaration resources into a Scan.
type Source interface {
	Name() string
	Collect(ctx context.Context, s *Scan) error
}

// Scan is the shared state of one whitelist load. Every location is
// claimed before it is read so a directory or archive reachable through
// several sources is read once.
type Scan struct {
	mu      sync.Mutex
	claimed map[string]bool
	names   map[string]struct{}
	scanned int
}

func newScan() *Scan {
	return &Scan{
		claimed: make(map[string]bool),
		names:   make(map[string]struct{}),
	}
}

// Claim reports whether location has not been claimed before, and claims it.
func (s *Scan) Claim(location string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[location] {
		return false
	}
	s.claimed[location] = true
	return true
}

// Add parses one resource and unions its names into the scan.
func (s *Scan) Add(r io.Reader) error {
	names, err := Parse(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	s.scanned++
	return nil
}

var (
	registeredMu sync.Mutex
	registered   []Source
)

// Register adds an fs.FS root to the process-wide source list. Capability
// packages call it from init with an embedded copy of their resource.
// Registering the same name twice keeps the first root.
func Register(name string, fsys fs.FS) {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	for _, src := range registered {
		if src.Name() == "fs:"+name {
			return
		}
	}
	registered = append(registered, FS(name, fsys))
}

// Registered returns the sources added with Register.
func Registered() []Source {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	out := make([]Source, len(registered))
	copy(out, registered)
	return out
}

type fsSource struct {
	name string
	fsys fs.FS
}

// FS reads the resource from the root of fsys.
func FS(name string, fsys fs.FS) Source {
	return &fsSource{name: name, fsys: fsys}
}

func (s *fsSource) Name() string { return "fs:" + s.name }

func (s *fsSource) Collect(_ context.Context, scan *Scan) error {
	if !scan.Claim(s.Name()) {
		return nil
	}
	f, err := s.fsys.Open(ResourceName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return scan.Add(f)
}

type dirSource struct {
	label string
	dirs  []string
}

// Dirs reads the resource from each of the given directories.
func Dirs(dirs ...string) Source {
	return &dirSource{label: "dirs", dirs: dirs}
}

// Origins reads the resource from the source directories of capability
// declarations. It shares location claims with SearchPath.
func Origins(dirs []string) Source {
	return &dirSource{label: "origins", dirs: dirs}
}

func (s *dirSource) Name() string { return s.label }

func (s *dirSource) Collect(ctx context.Context, scan *Scan) error {
	for _, dir := range s.dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scanDir(scan, dir); err != nil {
			return err
		}
	}
	return nil
}

type pathSource struct {
	list string
}

// SearchPath walks every entry of an os.PathListSeparator separated list.
// Entries may be doublestar glob patterns. Directories and .zip or .jar
// archives are inspected; anything else is ignored.
func SearchPath(list string) Source {
	return &pathSource{list: list}
}

func (s *pathSource) Name() string { return "search-path" }

func (s *pathSource) Collect(ctx context.Context, scan *Scan) error {
	for _, entry := range filepath.SplitList(s.list) {
		if entry == "" {
			continue
		}
		matches := []string{entry}
		if hasMeta(entry) {
			var err error
			matches, err = doublestar.FilepathGlob(entry)
			if err != nil {
				return fmt.Errorf("expand %q: %w", entry, err)
			}
		}
		for _, m := range matches {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := scanEntry(scan, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func scanEntry(scan *Scan, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return scanDir(scan, path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".jar":
		return scanArchive(scan, path)
	}
	return nil
}

func scanDir(scan *Scan, dir string) error {
	if !scan.Claim(canonical(dir)) {
		return nil
	}
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(ResourceName)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return scan.Add(f)
}

func scanArchive(scan *Scan, path string) error {
	if !scan.Claim(canonical(path)) {
		return nil
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", path, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != ResourceName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s in %s: %w", ResourceName, path, err)
		}
		err = scan.Add(rc)
		rc.Close()
		return err
	}
	return nil
}

// canonical resolves path to an absolute path with symlinks evaluated, or
// the best approximation available.
func canonical(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
