package syncengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"botwave/internal/transfer"
)

type fakeLink struct {
	id    string
	files []string
	// uploadRoot is called by RequestUpload, which writes no file; the
	// tests here never request an upload.
	uploadRoot func() string
	// downloads counts RequestDownload calls.
	downloads int
}

func (f *fakeLink) ClientID() string { return f.id }
func (f *fakeLink) ListFiles(ctx context.Context) ([]string, error) { return f.files, nil }
func (f *fakeLink) RequestUpload(ctx context.Context, token, url string) error {
	name := filepath.Base(filepath.Join(f.uploadRoot()))
	_ = name
	return nil
}
func (f *fakeLink) RequestDownload(ctx context.Context, token, url string) error {
	f.downloads++
	return nil
}
func (f *fakeLink) RemoveFile(ctx context.Context, pattern string) error         { return nil }

func TestClientToFolderRedirectsAndRestoresUploadRoot(t *testing.T) {
	originalDir := t.TempDir()
	destDir := t.TempDir()

	tokens := transfer.NewStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := transfer.NewService(tokens, originalDir, log)
	eng := New(tokens, svc, "https://127.0.0.1:9921", log)

	link := &fakeLink{id: "pi1", files: nil} // no files: exercises the no-op path
	if err := eng.ClientToFolder(context.Background(), destDir, link); err != nil {
		t.Fatalf("ClientToFolder: %v", err)
	}
	if svc.UploadRoot() != originalDir {
		t.Fatalf("expected upload root restored to %q, got %q", originalDir, svc.UploadRoot())
	}
}

func TestFolderToClientsSkipsNonWavFiles(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.wav"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tokens := transfer.NewStore()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := transfer.NewService(tokens, t.TempDir(), log)
	eng := New(tokens, svc, "https://127.0.0.1:9921", log)

	target := &fakeLink{id: "pi1"}
	if err := eng.FolderToClients(context.Background(), srcDir, []ClientLink{target}); err != nil {
		t.Fatalf("FolderToClients: %v", err)
	}
	if target.downloads != 1 {
		t.Fatalf("expected 1 download request (a.wav only), got %d", target.downloads)
	}
}
