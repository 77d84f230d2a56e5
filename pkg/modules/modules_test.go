package modules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
)

func writeModule(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadCompilesInLexicographicOrder(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "20_util.js", "var util = {};")
	writeModule(t, dir, "10_base.js", "var base = {};")
	writeModule(t, dir, "notes.txt", "not a module")

	lib, err := Load(dir, log.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mods := lib.Modules()
	if len(mods) != 2 {
		t.Fatalf("loaded %d modules, want 2", len(mods))
	}
	if mods[0].Name != "10_base" || mods[1].Name != "20_util" {
		t.Errorf("load order = %s, %s", mods[0].Name, mods[1].Name)
	}
	for _, m := range mods {
		if m.Program == nil {
			t.Errorf("module %s has no compiled program", m.Name)
		}
	}
}

func TestLoadEmptyDirName(t *testing.T) {
	lib, err := Load("", log.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lib.Len() != 0 {
		t.Errorf("Len = %d, want 0", lib.Len())
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	lib, err := Load(filepath.Join(t.TempDir(), "absent"), log.Default())
	if err != nil {
		t.Fatalf("Load of missing directory: %v", err)
	}
	if lib.Len() != 0 {
		t.Errorf("Len = %d, want 0", lib.Len())
	}
}

func TestLoadCompileFailure(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "bad.js", "function (((")

	_, err := Load(dir, log.Default())
	if err == nil {
		t.Fatal("Load succeeded with a broken module")
	}
	if plerrors.GetCode(err) != plerrors.ErrCodeModuleLoadFailed {
		t.Errorf("unexpected code: %v", plerrors.GetCode(err))
	}
}

func TestReloadKeepsOldSetOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.js", "var a = 1;")

	lib, err := Load(dir, log.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lib.Len() != 1 {
		t.Fatalf("Len = %d, want 1", lib.Len())
	}

	writeModule(t, dir, "b.js", "this is not javascript ((")
	if err := lib.Reload(); err == nil {
		t.Fatal("Reload succeeded with a broken module")
	}
	if lib.Len() != 1 {
		t.Errorf("failed reload replaced the module set: Len = %d", lib.Len())
	}
}

func TestReloadPicksUpNewModules(t *testing.T) {
	dir := t.TempDir()
	lib, err := Load(dir, log.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if lib.Len() != 0 {
		t.Fatalf("Len = %d, want 0", lib.Len())
	}

	writeModule(t, dir, "a.js", "var a = 1;")
	if err := lib.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if lib.Len() != 1 {
		t.Errorf("Len after reload = %d, want 1", lib.Len())
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	lib, err := Load(dir, log.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	reloaded := make(chan struct{}, 4)
	w := NewWatcher(lib, func() { reloaded <- struct{}{} }, log.Default())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	writeModule(t, dir, "live.js", "var live = true;")

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire after a module write")
	}

	deadline := time.Now().Add(5 * time.Second)
	for lib.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("library not reloaded: Len = %d", lib.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherRequiresDirectory(t *testing.T) {
	lib, err := Load("", log.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := NewWatcher(lib, nil, log.Default())
	if err := w.Start(); err == nil {
		t.Error("Start succeeded without a module directory")
		w.Stop()
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	dir := t.TempDir()
	lib, err := Load(dir, log.Default())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := NewWatcher(lib, nil, log.Default())
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	w.Stop()
	w.Stop()
}
