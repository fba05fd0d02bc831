package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// chunkSize is the per-write flush granularity (64 KiB).
const chunkSize = 64 * 1024

// Service wires the upload/download/stream routes onto an *echo.Echo: a
// separate HTTP server on its own port, running alongside the control
// channel.
type Service struct {
	Tokens *Store
	Log    *slog.Logger

	rootMu sync.RWMutex
	root   string
}

// NewService returns a Service rooted at uploadDir.
func NewService(tokens *Store, uploadDir string, log *slog.Logger) *Service {
	return &Service{Tokens: tokens, root: uploadDir, Log: log}
}

// UploadRoot returns the current upload destination directory.
func (s *Service) UploadRoot() string {
	s.rootMu.RLock()
	defer s.rootMu.RUnlock()
	return s.root
}

// SetUploadRoot redirects the upload destination.
func (s *Service) SetUploadRoot(dir string) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()
	s.root = dir
}

// Register binds the upload/download/stream routes and a health check onto e.
func (s *Service) Register(e *echo.Echo) {
	e.POST("/upload/:token", s.handleUpload)
	e.GET("/download/:token", s.handleDownload)
	e.GET("/stream/:token", s.handleStream)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
}

func (s *Service) handleUpload(c echo.Context) error {
	token := c.Param("token")
	t, ok := s.Tokens.Consume(token, KindUpload)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown or expired token")
	}

	dest := filepath.Join(s.UploadRoot(), filepath.Base(t.Filename))
	f, err := os.Create(dest)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "create destination")
	}
	defer f.Close()

	written, err := copyChunked(f, c.Request().Body)
	if err != nil {
		os.Remove(dest)
		return echo.NewHTTPError(http.StatusInternalServerError, "write failed")
	}

	if t.Size != 0 && written != t.Size {
		os.Remove(dest)
		s.Log.Warn("upload size mismatch", "token", token, "expected", t.Size, "got", written)
		return echo.NewHTTPError(http.StatusBadRequest, "size mismatch")
	}

	s.Log.Info("upload complete", "filename", t.Filename, "size", humanize.Bytes(uint64(written)))
	return c.String(http.StatusOK, "ok")
}

func (s *Service) handleDownload(c echo.Context) error {
	token := c.Param("token")
	t, ok := s.Tokens.Consume(token, KindDownload)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown or expired token")
	}

	f, err := os.Open(t.Filepath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "open failed")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stat failed")
	}

	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(t.Filepath)))
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size(), 10))
	return c.Stream(http.StatusOK, "application/octet-stream", io.LimitReader(f, info.Size()))
}

func (s *Service) handleStream(c echo.Context) error {
	token := c.Param("token")
	t, ok := s.Tokens.Consume(token, KindStream)
	if !ok || t.PCM == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown or expired token")
	}

	resp := c.Response()
	resp.Header().Set("Content-Type", "audio/pcm")
	resp.Header().Set("X-Sample-Rate", strconv.Itoa(t.PCM.SampleRate()))
	resp.Header().Set("X-Channels", strconv.Itoa(t.PCM.Channels()))
	resp.Header().Set("X-Sample-Format", "S16_LE")
	resp.WriteHeader(http.StatusOK)

	buf := make([]byte, chunkSize)
	for {
		n, err := t.PCM.Read(buf)
		if n > 0 {
			if _, werr := resp.Write(buf[:n]); werr != nil {
				return nil // client disconnected
			}
			resp.Flush()
		}
		if err != nil {
			return nil // generator EOF
		}
	}
}

// copyChunked copies src into dst chunkSize bytes at a time, flushing after
// each chunk.
func copyChunked(dst *os.File, src io.Reader) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			if serr := dst.Sync(); serr != nil {
				return total, serr
			}
			total += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}
