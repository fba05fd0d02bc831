// Package handlers implements the Handler Runner: at each lifecycle
// event, matching files in a handlers directory are read line by line and
// fed back into the command dispatcher.
package handlers

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MaxReentrancyDepth bounds nested lifecycle triggers, preventing a
// runaway handler chain.
const MaxReentrancyDepth = 8

type depthKey struct{}

// WithDepth returns a context carrying the current reentrancy depth.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthOf reads the current reentrancy depth from ctx (0 if unset).
func DepthOf(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Dispatch is the re-entrant command dispatcher a handler's lines are fed
// into — the same one that services interactive input.
type Dispatch func(ctx context.Context, line string)

// Runner scans dir for handler files matching a lifecycle event.
type Runner struct {
	Dir string
	Log *slog.Logger
}

// New returns a Runner rooted at dir.
func New(dir string, log *slog.Logger) *Runner {
	return &Runner{Dir: dir, Log: log}
}

// fileMeta is the parsed shape of one handler filename: "<prefix>_<event>.<ext>"
// e.g. "s_onready.hdl" (verbose) or "l_onstart.shdl" (silent).
type fileMeta struct {
	path    string
	event   string
	verbose bool
}

// Fire scans Dir for handlers matching event and feeds each non-comment,
// non-blank line to dispatch, in a re-entrant, depth-capped manner.
// Errors in one line are logged and do not abort the file; errors reading
// the directory are logged and Fire returns.
func (r *Runner) Fire(ctx context.Context, event string, dispatch Dispatch) {
	depth := DepthOf(ctx)
	if depth >= MaxReentrancyDepth {
		r.Log.Error("handler reentrancy depth exceeded, dropping nested trigger", "event", event, "depth", depth)
		return
	}
	nestedCtx := WithDepth(ctx, depth+1)

	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.Log.Error("handler directory scan failed", "dir", r.Dir, "err", err)
		}
		return
	}

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		meta, ok := parseFilename(ent.Name(), event)
		if !ok {
			continue
		}
		r.runFile(nestedCtx, filepath.Join(r.Dir, ent.Name()), meta, dispatch)
	}
}

func parseFilename(name, event string) (fileMeta, bool) {
	ext := filepath.Ext(name)
	var verbose bool
	switch ext {
	case ".hdl":
		verbose = true
	case ".shdl":
		verbose = false
	default:
		return fileMeta{}, false
	}
	base := strings.TrimSuffix(name, ext)
	idx := strings.IndexByte(base, '_')
	if idx < 0 {
		return fileMeta{}, false
	}
	fileEvent := base[idx+1:]
	if fileEvent != event {
		return fileMeta{}, false
	}
	return fileMeta{event: fileEvent, verbose: verbose}, true
}

func (r *Runner) runFile(ctx context.Context, path string, meta fileMeta, dispatch Dispatch) {
	f, err := os.Open(path)
	if err != nil {
		r.Log.Error("handler open failed", "path", path, "err", err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if meta.verbose {
			r.Log.Info("handler line", "path", path, "line", line)
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.Log.Error("handler line panicked", "path", path, "line", line, "recover", fmt.Sprint(rec))
				}
			}()
			dispatch(ctx, line)
		}()
	}
	if err := scanner.Err(); err != nil {
		r.Log.Error("handler read failed", "path", path, "err", err)
	}
}
