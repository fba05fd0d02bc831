package handlers

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeHandler(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFireRunsMatchingVerboseHandler(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "s_onready.hdl", "# comment\n\nstart all a.wav\nstop all\n")
	writeHandler(t, dir, "s_onstart.hdl", "start all b.wav\n")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(dir, log)

	var lines []string
	r.Fire(context.Background(), "onready", func(ctx context.Context, line string) {
		lines = append(lines, line)
	})

	if len(lines) != 2 || lines[0] != "start all a.wav" || lines[1] != "stop all" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestFireIgnoresUnmatchedEvent(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "s_onconnect.hdl", "foo\n")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(dir, log)
	var called bool
	r.Fire(context.Background(), "onready", func(context.Context, string) { called = true })
	if called {
		t.Fatalf("expected no handler to fire for mismatched event")
	}
}

func TestFireCapsReentrancyDepth(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "l_onstart.shdl", "noop\n")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(dir, log)

	ctx := WithDepth(context.Background(), MaxReentrancyDepth)
	called := false
	r.Fire(ctx, "onstart", func(context.Context, string) { called = true })
	if called {
		t.Fatalf("expected handler not to fire past max reentrancy depth")
	}
}

func TestFireContinuesAfterLinePanic(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "s_onready.hdl", "boom\nsurvives\n")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := New(dir, log)

	var lines []string
	r.Fire(context.Background(), "onready", func(ctx context.Context, line string) {
		if line == "boom" {
			panic("simulated handler failure")
		}
		lines = append(lines, line)
	})
	if len(lines) != 1 || lines[0] != "survives" {
		t.Fatalf("expected execution to continue after panic, got %v", lines)
	}
}
