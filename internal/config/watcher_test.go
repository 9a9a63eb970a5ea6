package config_test

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxfolio/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
provider:
  name: gemini-live
  api_key: k
persona:
  theme: executive
`

const watcherUpdatedYAML = `
server:
  log_level: debug
provider:
  name: gemini-live
  api_key: k
persona:
  theme: wedding
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// writeConfig writes content to path and bumps its mtime by bump so polls see
// a change even on coarse-grained filesystems.
func writeConfig(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
	if bump > 0 {
		at := time.Now().Add(bump)
		if err := os.Chtimes(path, at, at); err != nil {
			t.Fatalf("chtimes %q: %v", path, err)
		}
	}
}

func startWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxfolio.yaml")
	writeConfig(t, path, content, 0)
	w, err := config.NewWatcher(path, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	type change struct{ old, new *config.Config }
	changes := make(chan change, 1)
	w, path := startWatcher(t, watcherValidYAML, func(old, new *config.Config) {
		select {
		case changes <- change{old, new}:
		default:
		}
	})

	writeConfig(t, path, watcherUpdatedYAML, time.Second)

	var got change
	select {
	case got = <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange not called")
	}
	if got.old.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level = %q, want info", got.old.Server.LogLevel)
	}
	if got.new.Server.LogLevel != config.LogDebug {
		t.Errorf("new log_level = %q, want debug", got.new.Server.LogLevel)
	}
	if d := config.Diff(got.old, got.new); !d.LogLevelChanged || !d.PersonaChanged {
		t.Errorf("Diff = %+v, want log level and persona changes", d)
	}
	if w.Current() != got.new {
		t.Error("Current() does not return the reloaded config")
	}
}

func TestWatcher_InvalidFileKeepsPreviousConfig(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	w, path := startWatcher(t, watcherValidYAML, func(_, _ *config.Config) { calls.Add(1) })

	writeConfig(t, path, watcherInvalidYAML, time.Second)
	time.Sleep(150 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("onChange called %d times for an invalid file", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q, want previous info", got)
	}

	// A later valid edit is still picked up.
	writeConfig(t, path, watcherUpdatedYAML, 2*time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("valid edit after an invalid one was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	_, path := startWatcher(t, watcherValidYAML, func(_, _ *config.Config) { calls.Add(1) })

	at := time.Now().Add(time.Second)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("onChange called %d times for a touch", n)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)
	w.Stop()
	w.Stop()
}
