package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

func TestWatcher_ReportsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yaml")
	if err := os.WriteFile(path, []byte("name: a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(WithDebounce(20 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	changed := make(chan string, 4)
	w.OnChange = func(p string) error {
		changed <- p
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Changes to unwatched files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("name: changed\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		abs, _ := filepath.Abs(path)
		if got != abs {
			t.Errorf("changed = %q, want %q", got, abs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestWatch_MissingFile(t *testing.T) {
	w, err := NewWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if err := w.Watch(filepath.Join(t.TempDir(), "nope.yaml")); !errors.IsCode(err, errors.CodeFixtureNotFound) {
		t.Errorf("Watch = %v, want fixture not found", err)
	}
}

func TestWatcher_IgnoresSameContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "site.yaml")
	if err := os.WriteFile(path, []byte("name: a\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(WithDebounce(10 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Watch(path); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	changed := make(chan string, 4)
	w.OnChange = func(p string) error {
		changed <- p
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("name: a\n"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-changed:
		t.Errorf("rewrite with same content reported: %s", got)
	case <-time.After(300 * time.Millisecond):
	}
}
