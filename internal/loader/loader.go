// Package loader opens the conferencing backend's native modules before the
// backend is used. Which modules to open, and in which order, is a table
// keyed by GOOS.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnsupported   = errors.New("native modules are not supported on this platform")
	ErrModuleMissing = errors.New("native module missing")
)

// Table maps a GOOS to the modules to open there, in load order.
type Table map[string][]string

type module struct {
	path   string
	handle uintptr
}

// Loader holds the open modules. The zero value holds none.
type Loader struct {
	modules []module
}

// Load opens every module listed for the running platform from dir. It stops
// at the first failure and closes what it already opened. An empty dir
// skips loading.
func Load(dir string, table Table) (*Loader, error) {
	if dir == "" {
		log.Info().Str("module", "loader").Msg("no sdk dir configured, skipping native modules")
		return &Loader{}, nil
	}
	names := table[runtime.GOOS]
	if len(names) == 0 {
		log.Warn().Str("module", "loader").Str("goos", runtime.GOOS).Msg("no native modules listed for platform")
		return &Loader{}, nil
	}

	l := &Loader{}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrModuleMissing, path, err)
		}
		h, err := dlopen(path)
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		l.modules = append(l.modules, module{path: path, handle: h})
		log.Info().Str("module", "loader").Str("path", path).Msg("native module loaded")
	}
	return l, nil
}

// Paths lists the open modules in load order.
func (l *Loader) Paths() []string {
	out := make([]string, 0, len(l.modules))
	for _, m := range l.modules {
		out = append(out, m.path)
	}
	return out
}

// Close unloads the modules in reverse load order.
func (l *Loader) Close() error {
	var errs error
	for _, m := range slices.Backward(l.modules) {
		if err := dlclose(m.handle); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close %s: %w", m.path, err))
			continue
		}
		log.Debug().Str("module", "loader").Str("path", m.path).Msg("native module unloaded")
	}
	l.modules = nil
	return errs
}
