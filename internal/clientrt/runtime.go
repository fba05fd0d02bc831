package clientrt

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botwave/internal/control"
	"botwave/internal/errs"
	"botwave/internal/handlers"
	"botwave/internal/protocol"
)

// PollInterval is the playback-monitor's polling cadence.
const PollInterval = time.Second

// ResponseTimeout bounds how long UPLOAD_TOKEN/DOWNLOAD_TOKEN/DOWNLOAD_URL
// handling may take before the HTTP round trip is abandoned.
const ResponseTimeout = 30 * time.Second

// Runtime is the long-running per-client process state: it holds
// the control channel, drives the transmitter backend through a
// Trampoline, and services file-transfer and broadcast commands from the
// server.
type Runtime struct {
	Channel     *control.Channel
	Trampoline  *Trampoline
	Handlers    *handlers.Runner
	UploadDir   string
	HTTPClient  *http.Client
	Log         *slog.Logger

	running      atomic.Bool
	broadcasting atomic.Bool
	uploading    atomic.Bool

	mu          sync.Mutex
	currentFile string

	onFinished func()
}

// NewRuntime constructs a Runtime. tlsConfig governs the HTTP client used
// for token/url-based file transfer against the server's File Transfer
// Service (trust-on-first-use, mirroring the control channel).
func NewRuntime(ch *control.Channel, tramp *Trampoline, h *handlers.Runner, uploadDir string, tlsConfig *tls.Config, log *slog.Logger) *Runtime {
	r := &Runtime{
		Channel:    ch,
		Trampoline: tramp,
		Handlers:   h,
		UploadDir:  uploadDir,
		HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}, Timeout: ResponseTimeout},
		Log:        log,
	}
	r.running.Store(true)
	return r
}

// Running reports top-level lifecycle state.
func (r *Runtime) Running() bool { return r.running.Load() }

// Broadcasting reports whether the transmitter is currently running.
func (r *Runtime) Broadcasting() bool { return r.broadcasting.Load() }

// Uploading reports whether an UPLOAD_TOKEN push to the server's File
// Transfer Service is in progress.
func (r *Runtime) Uploading() bool { return r.uploading.Load() }

// CurrentFile reports what is currently playing ("" if nothing is).
func (r *Runtime) CurrentFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentFile
}

func (r *Runtime) setCurrentFile(name string) {
	r.mu.Lock()
	r.currentFile = name
	r.mu.Unlock()
}

// Dispatch services one command frame from the server, replying on ch as
// required by the verb.
func (r *Runtime) Dispatch(ctx context.Context, f protocol.Frame) {
	switch f.Verb {
	case protocol.VerbStart:
		r.handleStart(ctx, f)
	case protocol.VerbStop:
		r.handleStop(ctx)
	case protocol.VerbKick:
		r.handleKick(f)
	case protocol.VerbDownloadURL:
		r.handleDownloadURL(ctx, f)
	case protocol.VerbDownloadToken:
		r.handleDownloadToken(ctx, f)
	case protocol.VerbUploadToken:
		r.handleUploadToken(ctx, f)
	case protocol.VerbListFiles:
		r.handleListFiles(f)
	case protocol.VerbRemoveFile:
		r.handleRemoveFile(f)
	default:
		r.reply(protocol.Frame{Verb: protocol.VerbError, Keyword: map[string]string{"message": "unknown verb " + f.Verb}})
	}
}

func (r *Runtime) reply(f protocol.Frame) {
	if err := r.Channel.WriteFrame(protocol.Build(f)); err != nil {
		r.Log.Error("reply write failed", "err", err)
	}
}

func (r *Runtime) handleStart(ctx context.Context, f protocol.Frame) {
	startAt := parseFloat(f.Get("start_at"))
	freq := parseFloat(f.Get("freq"))
	audio := filepath.Join(r.UploadDir, sanitizeFilename(f.Get("filename")))
	loop := f.Get("loop") == "true"

	launch := func() {
		resp := r.Trampoline.Submit(ctx, Request{
			Kind: RequestStart, Freq: freq, PS: f.Get("ps"), RT: f.Get("rt"), PI: f.Get("pi"),
			Loop: loop, AudioSource: audio,
		})
		if resp.Err != nil {
			r.Log.Error("start failed", "err", resp.Err)
			r.reply(protocol.Frame{Verb: protocol.VerbError, Keyword: map[string]string{"message": resp.Err.Error()}})
			return
		}
		r.broadcasting.Store(true)
		r.setCurrentFile(f.Get("filename"))
		r.reply(protocol.Frame{Verb: protocol.VerbOK})
	}

	if startAt > 0 {
		delay := time.Until(time.Unix(int64(startAt), 0))
		if delay > 0 {
			time.AfterFunc(delay, launch)
			return
		}
	}
	launch()
}

func (r *Runtime) handleStop(ctx context.Context) {
	resp := r.Trampoline.Submit(ctx, Request{Kind: RequestStop})
	if resp.Err != nil {
		r.reply(protocol.Frame{Verb: protocol.VerbError, Keyword: map[string]string{"message": resp.Err.Error()}})
		return
	}
	r.broadcasting.Store(false)
	r.setCurrentFile("")
	r.reply(protocol.Frame{Verb: protocol.VerbOK})
}

func (r *Runtime) handleKick(f protocol.Frame) {
	r.Log.Info("kicked by server", "reason", f.Get("reason"))
	r.running.Store(false)
	r.Channel.Close()
}

func (r *Runtime) handleDownloadURL(ctx context.Context, f protocol.Frame) {
	err := r.fetchTo(ctx, f.Get("url"), f.Get("filename"))
	r.replyFileOp(err)
}

func (r *Runtime) handleDownloadToken(ctx context.Context, f protocol.Frame) {
	url := strings.TrimRight(f.Get("base_url"), "/") + "/download/" + f.Get("token")
	err := r.fetchTo(ctx, url, f.Get("filename"))
	r.replyFileOp(err)
}

func (r *Runtime) handleUploadToken(ctx context.Context, f protocol.Frame) {
	url := strings.TrimRight(f.Get("base_url"), "/") + "/upload/" + f.Get("token")
	err := r.pushFrom(ctx, url, f.Get("filename"))
	r.replyFileOp(err)
}

func (r *Runtime) replyFileOp(err error) {
	if err != nil {
		r.reply(protocol.Frame{Verb: protocol.VerbError, Keyword: map[string]string{"message": err.Error()}})
		return
	}
	r.reply(protocol.Frame{Verb: protocol.VerbOK})
}

func (r *Runtime) handleListFiles(f protocol.Frame) {
	names, err := r.listWavFiles()
	if err != nil {
		r.reply(protocol.Frame{Verb: protocol.VerbError, Keyword: map[string]string{"message": err.Error()}})
		return
	}
	r.reply(protocol.Frame{Verb: protocol.VerbOK, Keyword: map[string]string{"files": strings.Join(names, ",")}})
}

func (r *Runtime) handleRemoveFile(f protocol.Frame) {
	pattern := f.Get("pattern")
	if pattern == "" && len(f.Positional) > 0 {
		pattern = f.Positional[0]
	}
	if pattern == "all" {
		names, err := r.listWavFiles()
		if err != nil {
			r.reply(protocol.Frame{Verb: protocol.VerbError, Keyword: map[string]string{"message": err.Error()}})
			return
		}
		for _, n := range names {
			_ = os.Remove(filepath.Join(r.UploadDir, n))
		}
		r.reply(protocol.Frame{Verb: protocol.VerbOK})
		return
	}
	if err := os.Remove(filepath.Join(r.UploadDir, sanitizeFilename(pattern))); err != nil && !os.IsNotExist(err) {
		r.reply(protocol.Frame{Verb: protocol.VerbError, Keyword: map[string]string{"message": err.Error()}})
		return
	}
	r.reply(protocol.Frame{Verb: protocol.VerbOK})
}

func (r *Runtime) listWavFiles() ([]string, error) {
	entries, err := os.ReadDir(r.UploadDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".wav") {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// sanitizeFilename reduces name to its basename so a server-supplied
// filename can never escape the upload directory via ".." or an absolute
// path.
func sanitizeFilename(name string) string {
	base := filepath.Base(filepath.Clean(strings.ReplaceAll(name, "\x00", "")))
	if base == ".." {
		return ""
	}
	return base
}

func (r *Runtime) fetchTo(ctx context.Context, url, filename string) error {
	ctx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: fetch status %d", errs.ErrNotFound, resp.StatusCode)
	}

	dest := filepath.Join(r.UploadDir, sanitizeFilename(filename))
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

func (r *Runtime) pushFrom(ctx context.Context, url, filename string) error {
	r.uploading.Store(true)
	defer r.uploading.Store(false)

	src := filepath.Join(r.UploadDir, sanitizeFilename(filename))
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, f)
	if err != nil {
		return err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upload rejected: status %d", resp.StatusCode)
	}
	return nil
}

// MonitorPlayback polls the transmitter backend's status at PollInterval
// and, on an active→inactive transition, emits a broadcast-ended
// event to the server (for queue auto-advance) and fires local onstop
// handlers.
func (r *Runtime) MonitorPlayback(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	wasPlaying := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := r.Trampoline.Backend.GetStatus()
			if wasPlaying && !status.IsPlaying {
				r.onBroadcastEnded(ctx)
			}
			wasPlaying = status.IsPlaying
			r.broadcasting.Store(status.IsPlaying)
		}
	}
}

func (r *Runtime) onBroadcastEnded(ctx context.Context) {
	finished := r.CurrentFile()
	r.setCurrentFile("")
	if err := r.Channel.WriteFrame(protocol.Build(protocol.Frame{
		Verb:    protocol.VerbBroadcastEnded,
		Keyword: map[string]string{"filename": finished},
	})); err != nil {
		r.Log.Error("broadcast-ended notify failed", "err", err)
	}
	if r.Handlers != nil {
		r.Handlers.Fire(ctx, "onstop", func(context.Context, string) {})
	}
	if r.onFinished != nil {
		r.onFinished()
	}
}

// OnFinished sets a callback invoked whenever MonitorPlayback detects
// playback completion, in addition to the built-in broadcast-ended notify
// and handler firing.
func (r *Runtime) OnFinished(fn func()) {
	r.onFinished = fn
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	var v float64
	_, err := fmt.Sscanf(s, "%g", &v)
	if err != nil {
		return 0
	}
	return v
}
