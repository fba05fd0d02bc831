// Package orchestrator wires the leaf modules (registry, scheduler, queue,
// sync engine, handler runner, audit) onto the control-channel session
// actor, and implements the control.Dispatcher seam for frames a client
// sends unsolicited (chiefly BROADCAST_ENDED, which drives queue
// auto-advance).
package orchestrator

import (
	"context"
	"strings"

	"botwave/internal/control"
	"botwave/internal/protocol"
)

// SessionLink adapts a *control.Session to the narrow interfaces consumed
// by the sync engine and scheduler packages, keeping those packages free
// of any import on control (avoiding an import cycle, since control has no
// reason to know about sync/scheduler semantics).
type SessionLink struct {
	*control.Session
}

// ClientID satisfies syncengine.ClientLink (registry.ClientSession already
// exposes the field; this method adapts field access to the interface's
// method shape).
func (l SessionLink) ClientID() string { return l.Session.ClientSession.ClientID }

// ListFiles asks the client for its WAV inventory via LIST_FILES, keyed
// response correlation.
func (l SessionLink) ListFiles(ctx context.Context) ([]string, error) {
	reply, err := l.Session.SendKeyed(protocol.Frame{Verb: protocol.VerbListFiles}, "files", control.FileListingTimeout)
	if err != nil {
		return nil, err
	}
	files := reply.Get("files")
	if files == "" {
		return nil, nil
	}
	return strings.Split(files, ","), nil
}

// RequestUpload asks the client to push a local file to the server's File
// Transfer Service using the given token.
func (l SessionLink) RequestUpload(ctx context.Context, token, uploadURL string) error {
	_, err := l.Session.SendCommand(protocol.Frame{
		Verb:    protocol.VerbUploadToken,
		Keyword: map[string]string{"token": token, "base_url": uploadURL},
	}, control.DefaultResponseTimeout)
	return err
}

// RequestDownload asks the client to pull a file from the server's File
// Transfer Service using the given token.
func (l SessionLink) RequestDownload(ctx context.Context, token, downloadURL string) error {
	_, err := l.Session.SendCommand(protocol.Frame{
		Verb:    protocol.VerbDownloadToken,
		Keyword: map[string]string{"token": token, "base_url": downloadURL},
	}, control.DefaultResponseTimeout)
	return err
}

// RemoveFile asks the client to delete files matching pattern ("all" means
// every WAV).
func (l SessionLink) RemoveFile(ctx context.Context, pattern string) error {
	_, err := l.Session.SendCommand(protocol.Frame{
		Verb:    protocol.VerbRemoveFile,
		Keyword: map[string]string{"pattern": pattern},
	}, control.DefaultResponseTimeout)
	return err
}
