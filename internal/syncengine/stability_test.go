package syncengine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWaitStableDetectsSteadyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.wav")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- WaitStable(path) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitStable: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitStable did not return in time")
	}
}
