package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"person_location/internal/config"
)

func TestReloadAppliesConfig(t *testing.T) {
	dir := t.TempDir()
	opts := filepath.Join(dir, "options.yaml")
	if err := os.WriteFile(opts, []byte("just_left: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var got config.Config
	w := New(config.Paths{Options: opts}, func(_ context.Context, cfg config.Config) { got = cfg })
	if err := w.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.JustLeft != 5 || w.Reloads() != 1 {
		t.Fatalf("expected just_left 5 after one reload, got %d after %d", got.JustLeft, w.Reloads())
	}
}

func TestReloadKeepsConfigOnError(t *testing.T) {
	dir := t.TempDir()
	opts := filepath.Join(dir, "options.yaml")
	if err := os.WriteFile(opts, []byte("just_left: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	applied := false
	w := New(config.Paths{Options: opts}, func(context.Context, config.Config) { applied = true })
	if err := w.Reload(context.Background()); err == nil {
		t.Fatalf("expected parse error")
	}
	if applied || w.Reloads() != 0 {
		t.Fatalf("expected nothing applied")
	}
}

func TestServeReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	opts := filepath.Join(dir, "options.yaml")
	if err := os.WriteFile(opts, []byte("just_left: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	applied := make(chan config.Config, 4)
	w := New(config.Paths{Options: opts}, func(_ context.Context, cfg config.Config) { applied <- cfg })
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// rewrite until the watcher is registered and picks it up
		if err := os.WriteFile(opts, []byte("just_left: 7\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-applied:
			if cfg.JustLeft != 7 {
				t.Fatalf("expected just_left 7, got %d", cfg.JustLeft)
			}
			return
		case <-deadline:
			t.Fatalf("expected a reload after writing the options file")
		case <-tick.C:
		}
	}
}

func TestServeIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	opts := filepath.Join(dir, "options.yaml")
	if err := os.WriteFile(opts, []byte("just_left: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	applied := make(chan struct{}, 1)
	w := New(config.Paths{Options: opts}, func(context.Context, config.Config) { applied <- struct{}{} })
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-applied:
		t.Fatalf("expected unrelated files ignored")
	case <-time.After(200 * time.Millisecond):
	}
}
