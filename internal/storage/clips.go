package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/clipwatch/internal/common"
	"github.com/jo-hoe/clipwatch/internal/jobs"
)

// ErrNotFinished is returned when clips are requested for a job that did not succeed.
var ErrNotFinished = errors.New("job has not finished successfully")

// ClipSource opens the byte stream of one clip and reports its content type.
type ClipSource interface {
	OpenClip(ctx context.Context, jobID string, clip jobs.Clip) (io.ReadCloser, string, error)
}

// Saver stores the clips of finished jobs on disk, one directory per job.
type Saver struct {
	log      *slog.Logger
	src      ClipSource
	baseDir  string
	maxBytes int64
}

var allowedVideoMimes = map[string]string{
	common.MimeVideoMP4:  ".mp4",
	common.MimeVideoMOV:  ".mov",
	common.MimeVideoWebM: ".webm",
}

// NewSaver creates a saver writing below baseDir. maxBytes caps every single clip.
func NewSaver(logger *slog.Logger, src ClipSource, baseDir string, maxBytes int64) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = common.DefaultMaxClipBytes
	}
	return &Saver{log: logger, src: src, baseDir: baseDir, maxBytes: maxBytes}
}

// SaveJob downloads every clip of st into baseDir/<jobID>/ and returns the written paths.
// A clip that fails does not stop the others; the errors are joined.
func (s *Saver) SaveJob(ctx context.Context, st jobs.JobStatus) ([]string, error) {
	if !st.Status.IsSuccess() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFinished, st.ID, st.Status)
	}
	jobDir := safeName(st.ID)
	if jobDir == "" {
		return nil, jobs.ErrEmptyJobID
	}
	dir := filepath.Join(s.baseDir, jobDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure clips dir: %w", err)
	}

	var paths []string
	var errs []error
	for i, c := range st.Clips {
		p, err := s.saveClip(ctx, dir, st.ID, i, c)
		if err != nil {
			if ctx.Err() != nil {
				return paths, ctx.Err()
			}
			s.log.Warn("clip download failed", "job_id", st.ID, "clip", c.Filename, "err", err)
			errs = append(errs, fmt.Errorf("clip %d: %w", i+1, err))
			continue
		}
		paths = append(paths, p)
	}
	s.log.Info("clips saved", "job_id", st.ID, "dir", dir, "saved", len(paths), "failed", len(errs))
	return paths, errors.Join(errs...)
}

func (s *Saver) saveClip(ctx context.Context, dir, jobID string, index int, clip jobs.Clip) (string, error) {
	body, contentType, err := s.src.OpenClip(ctx, jobID, clip)
	if err != nil {
		return "", err
	}
	defer func() { _ = body.Close() }()

	name := safeName(clip.Filename)
	mimeType := contentType
	// Some servers send application/octet-stream for files; fall back to the extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), common.MimeOctetStream) {
		mimeType = mimeFromExtension(filepath.Ext(name))
	}
	if !isAllowedVideoMime(mimeType) {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}
	if name == "" {
		name = fmt.Sprintf("clip-%d%s", index+1, pickExtension(mimeType, ""))
	}

	tmpPath := filepath.Join(dir, "."+randomHex(8)+".part")
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644) // #nosec G304 - name is generated
	if err != nil {
		return "", fmt.Errorf("create tmp file: %w", err)
	}
	n, err := io.Copy(dst, io.LimitReader(body, s.maxBytes+1))
	closeErr := dst.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > s.maxBytes {
		err = fmt.Errorf("clip exceeds %d bytes", s.maxBytes)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("copy clip: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("store clip: %w", err)
	}
	return finalPath, nil
}

// mimeBase strips parameters such as "; codecs=...".
func mimeBase(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

func mimeFromExtension(ext string) string {
	ext = strings.ToLower(ext)
	for mt, e := range allowedVideoMimes {
		if e == ext {
			return mt
		}
	}
	return mime.TypeByExtension(ext)
}

func isAllowedVideoMime(mimeType string) bool {
	_, ok := allowedVideoMimes[mimeBase(mimeType)]
	return ok
}

func pickExtension(mimeType, original string) string {
	if ext, ok := allowedVideoMimes[mimeBase(mimeType)]; ok {
		return ext
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		return ".bin"
	}
	return ext
}

// safeName keeps only the last path element, so server supplied names cannot escape the job dir.
func safeName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	base := filepath.Base(name)
	switch base {
	case ".", "..", "/":
		return ""
	}
	return base
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
