package sender

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridianhealth/interop-engine/internal/envelope"
	"github.com/meridianhealth/interop-engine/internal/errs"
	"github.com/meridianhealth/interop-engine/internal/logging"
)

// FileClientConfig wires the file-sink sender, grounded on
// original_source/integration_engine/services/outbound/file_sender.py's
// FileSenderConfig (filename_pattern, file_extensions, create_subdirs).
type FileClientConfig struct {
	Name            string
	OutputDir       string
	FilenamePattern string // default "{timestamp}_{message_id}{ext}"
	FileExtensions  map[string]string
	DefaultExt      string // default ".dat"
	CreateSubdirs   bool

	Logger *logging.Logger
}

var defaultFileExtensions = map[string]string{
	"application/hl7-v2+er7": ".hl7",
	"application/fhir+json":  ".json",
	"application/json":       ".json",
}

// FileClient writes an envelope's content to OutputDir using an
// atomic temp-file-then-rename, so a concurrent reader (another file
// watcher, an operator's tail -f) never observes a partially written file.
type FileClient struct {
	cfg FileClientConfig
}

func NewFileClient(cfg FileClientConfig) (*FileClient, error) {
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("sender: file output_dir required")
	}
	if cfg.FilenamePattern == "" {
		cfg.FilenamePattern = "{timestamp}_{message_id}{ext}"
	}
	if cfg.DefaultExt == "" {
		cfg.DefaultExt = ".dat"
	}
	if cfg.FileExtensions == nil {
		cfg.FileExtensions = defaultFileExtensions
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("sender: mkdir output_dir: %w", err)
	}
	return &FileClient{cfg: cfg}, nil
}

// Send writes env's content to a file named from FilenamePattern, in the
// configured extension for env's content type. ctx is accepted for
// interface symmetry with MLLPClient.Send/FHIRClient.Send; file writes
// are not cancellable mid-syscall.
func (c *FileClient) Send(_ context.Context, env envelope.Envelope) error {
	ext := c.extensionFor(env)
	dir := c.cfg.OutputDir
	if c.cfg.CreateSubdirs {
		dir = filepath.Join(dir, time.Now().UTC().Format("2006/01/02"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.New(c.cfg.Name, errs.Internal, "mkdir subdir failed", err)
		}
	}
	name := renderFilenamePattern(c.cfg.FilenamePattern, env, ext)
	finalPath := filepath.Join(dir, name)

	content := env.Body.RawContent
	if content == nil {
		content = []byte(fmt.Sprint(env.Body.Content))
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.New(c.cfg.Name, errs.Internal, "create temp file failed", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.New(c.cfg.Name, errs.Internal, "write temp file failed", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.New(c.cfg.Name, errs.Internal, "close temp file failed", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errs.New(c.cfg.Name, errs.Internal, "rename into place failed", err)
	}
	return nil
}

func (c *FileClient) extensionFor(env envelope.Envelope) string {
	if ext, ok := c.cfg.FileExtensions[env.Body.ContentType]; ok {
		return ext
	}
	return c.cfg.DefaultExt
}

// renderFilenamePattern supports the {timestamp} and {message_id}
// placeholders the source's filename_pattern uses.
func renderFilenamePattern(pattern string, env envelope.Envelope, ext string) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	name := pattern
	name = strings.ReplaceAll(name, "{timestamp}", ts)
	name = strings.ReplaceAll(name, "{message_id}", env.Header.MessageID)
	name = strings.ReplaceAll(name, "{ext}", ext)
	return name
}
