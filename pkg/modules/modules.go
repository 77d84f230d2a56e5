// Package modules loads a directory of script modules that are evaluated
// into every new global context. Modules are compiled once and the
// compiled form is shared; a filesystem watcher can reload the library
// and invalidate live contexts when module files change.
package modules

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
)

// Module is one compiled library module.
type Module struct {
	Name    string
	Path    string
	Program *goja.Program
}

// Library holds the compiled module set, in load order (lexicographic by
// filename, so load order is deterministic and controllable by prefix).
type Library struct {
	mu      sync.RWMutex
	dir     string
	modules []Module
	logger  *log.Logger
}

// Load compiles every .js file in dir into a library. A missing
// directory yields an empty library; a module that fails to compile
// fails the whole load.
func Load(dir string, logger *log.Logger) (*Library, error) {
	if logger == nil {
		logger = log.Default()
	}
	lib := &Library{dir: dir, logger: logger}
	if dir == "" {
		return lib, nil
	}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Dir returns the library's module directory.
func (l *Library) Dir() string {
	return l.dir
}

// Modules returns the compiled modules in load order.
func (l *Library) Modules() []Module {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.modules
}

// Len returns the number of loaded modules.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.modules)
}

// Reload recompiles the module set from disk, replacing the current set
// atomically on success and leaving it untouched on failure.
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.modules = nil
			l.mu.Unlock()
			return nil
		}
		return plerrors.Wrapf(err, plerrors.ErrCodeModuleLoadFailed,
			"failed to read module directory %q", l.dir).
			WithOp("Library.Reload").
			Err()
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	loaded := make([]Module, 0, len(names))
	for _, name := range names {
		path := filepath.Join(l.dir, name)
		src, err := os.ReadFile(path)
		if err != nil {
			return plerrors.Wrapf(err, plerrors.ErrCodeModuleLoadFailed,
				"failed to read module %q", name).
				WithOp("Library.Reload").
				Err()
		}
		prg, err := goja.Compile(name, string(src), false)
		if err != nil {
			return plerrors.Wrapf(err, plerrors.ErrCodeModuleLoadFailed,
				"module %q failed to compile", name).
				WithOp("Library.Reload").
				Err()
		}
		loaded = append(loaded, Module{
			Name:    strings.TrimSuffix(name, ".js"),
			Path:    path,
			Program: prg,
		})
	}

	l.mu.Lock()
	l.modules = loaded
	l.mu.Unlock()

	l.logger.System().Debug("module library loaded",
		"dir", l.dir,
		"modules", len(loaded),
	)
	return nil
}
