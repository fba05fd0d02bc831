// Package syncengine implements three file sync directions: client->folder,
// folder->clients, and client->clients (via staging).
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"botwave/internal/transfer"
)

// ClientLink is the control-channel surface the sync engine needs from one
// client, kept narrow to avoid an import cycle with the control package.
type ClientLink interface {
	ClientID() string
	ListFiles(ctx context.Context) ([]string, error)
	RequestUpload(ctx context.Context, token, uploadURL string) error
	RequestDownload(ctx context.Context, token, downloadURL string) error
	RemoveFile(ctx context.Context, pattern string) error
}

// Engine coordinates sync runs against the File Transfer Service's token
// store and upload-root redirection.
type Engine struct {
	Tokens      *transfer.Store
	Transfer    *transfer.Service
	BaseURL     string // e.g. https://host:9921, handed to clients as base_url
	Log         *slog.Logger

	renameRetries   int
	renameRetryWait time.Duration
}

// New returns an Engine wired to the given token store and transfer
// service. BaseURL is sent as base_url in UPLOAD_TOKEN/DOWNLOAD_TOKEN
// commands; the client appends /upload/<token> or /download/<token>.
func New(tokens *transfer.Store, svc *transfer.Service, baseURL string, log *slog.Logger) *Engine {
	return &Engine{
		Tokens:          tokens,
		Transfer:        svc,
		BaseURL:         baseURL,
		Log:             log,
		renameRetries:   3,
		renameRetryWait: 500 * time.Millisecond,
	}
}

// ClientToFolder implements direction 1: mirror src's files into destDir.
// For every file reported by src's LIST_FILES, mint an upload token pointing
// at a temp path in destDir, redirect the transfer service's upload root to
// destDir for the duration, ask src to upload via the token, wait for
// stability, then atomically rename to the final name.
func (e *Engine) ClientToFolder(ctx context.Context, destDir string, src ClientLink) error {
	files, err := src.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("list files on %s: %w", src.ClientID(), err)
	}

	priorRoot := e.Transfer.UploadRoot()
	e.Transfer.SetUploadRoot(destDir)
	defer e.Transfer.SetUploadRoot(priorRoot)

	for _, name := range files {
		tempName := fmt.Sprintf(".sync_temp_%s_%s", uuid.New().String(), name)
		tok := e.Tokens.Mint(transfer.Token{Kind: transfer.KindUpload, Filename: tempName})

		if err := src.RequestUpload(ctx, tok.ID, e.BaseURL); err != nil {
			e.Log.Error("sync: upload request failed", "client", src.ClientID(), "file", name, "err", err)
			continue
		}

		tempPath := filepath.Join(destDir, tempName)
		if err := WaitStable(tempPath); err != nil {
			e.Log.Error("sync: stability check failed", "file", tempPath, "err", err)
			continue
		}

		finalPath := filepath.Join(destDir, name)
		if err := e.renameWithRetry(tempPath, finalPath); err != nil {
			e.Log.Error("sync: rename failed", "from", tempPath, "to", finalPath, "err", err)
			continue
		}
		if info, statErr := os.Stat(finalPath); statErr == nil {
			e.Log.Info("sync: file received", "file", name, "size", humanize.Bytes(uint64(info.Size())))
		}
	}
	return nil
}

// FolderToClients implements direction 2: first REMOVE_FILE all on every
// target, then for each WAV file in srcDir issue an upload-flow: mint a
// download token and hand it to each client, throttled 0.5s between files.
func (e *Engine) FolderToClients(ctx context.Context, srcDir string, targets []ClientLink) error {
	for _, t := range targets {
		if err := t.RemoveFile(ctx, "all"); err != nil {
			e.Log.Error("sync: clear failed", "client", t.ClientID(), "err", err)
		}
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read source dir %q: %w", srcDir, err)
	}

	first := true
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".wav" {
			continue
		}
		if !first {
			time.Sleep(500 * time.Millisecond)
		}
		first = false

		path := filepath.Join(srcDir, ent.Name())
		for _, t := range targets {
			tok := e.Tokens.Mint(transfer.Token{Kind: transfer.KindDownload, Filepath: path})
			if err := t.RequestDownload(ctx, tok.ID, e.BaseURL); err != nil {
				e.Log.Error("sync: download request failed", "client", t.ClientID(), "file", ent.Name(), "err", err)
			}
		}
	}
	return nil
}

// ClientToClients implements direction 3: stage src's files into a temp
// directory (direction 1), then push the staged directory to targets
// (direction 2); the staging directory is removed afterward.
func (e *Engine) ClientToClients(ctx context.Context, src ClientLink, targets []ClientLink) error {
	staging, err := os.MkdirTemp("", "botwave-sync-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := e.ClientToFolder(ctx, staging, src); err != nil {
		return err
	}
	return e.FolderToClients(ctx, staging, targets)
}

func (e *Engine) renameWithRetry(from, to string) error {
	var lastErr error
	for i := 0; i < e.renameRetries; i++ {
		if err := os.Rename(from, to); err != nil {
			lastErr = err
			time.Sleep(e.renameRetryWait)
			continue
		}
		return nil
	}
	return lastErr
}
