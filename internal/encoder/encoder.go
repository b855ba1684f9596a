// Package encoder wraps the external media-encoding backend behind a
// stateful session: write inputs, exec argv, read outputs, delete scratch.
// The composition pipeline owns what commands run and in what order; the
// backend owns the codecs.
//
// Sessions are not safe for concurrent use — the export path serializes
// segment processing for this reason.
package encoder

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Session is one working directory on the encoding backend. Reading a name
// that was never written (or already deleted) is a caller bug, not a
// recoverable condition.
type Session interface {
	Write(name string, data []byte) error
	Read(name string) ([]byte, error)
	Exec(ctx context.Context, argv []string) error
	Delete(name string) error
	// Close releases every scratch file the session created. Must be called
	// after each segment completes, success or failure, to bound peak
	// resource usage across a multi-segment batch.
	Close() error
}

// Engine creates sessions.
type Engine interface {
	NewSession() (Session, error)
}

// FFmpegEngine runs sessions as temp directories with argv handed to the
// local ffmpeg/ffprobe binaries.
type FFmpegEngine struct {
	baseDir string
}

func NewFFmpegEngine(baseDir string) (*FFmpegEngine, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create encoder base dir: %w", err)
	}
	return &FFmpegEngine{baseDir: baseDir}, nil
}

func (e *FFmpegEngine) NewSession() (Session, error) {
	dir, err := os.MkdirTemp(e.baseDir, "session_")
	if err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &ffmpegSession{dir: dir}, nil
}

type ffmpegSession struct {
	dir string
}

func (s *ffmpegSession) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *ffmpegSession) Write(name string, data []byte) error {
	if err := os.WriteFile(s.path(name), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (s *ffmpegSession) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Exec runs argv (argv[0] is the binary, e.g. "ffmpeg") with the session dir
// as working directory, so commands refer to session files by bare name.
func (s *ffmpegSession) Exec(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty argv")
	}

	log.Printf("[Encoder] exec: %s", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.dir
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		tail := stderr.String()
		if len(tail) > 400 {
			tail = "..." + tail[len(tail)-400:]
		}
		return fmt.Errorf("%s failed: %w (stderr: %s)", argv[0], err, tail)
	}
	return nil
}

func (s *ffmpegSession) Delete(name string) error {
	return os.Remove(s.path(name))
}

func (s *ffmpegSession) Close() error {
	return os.RemoveAll(s.dir)
}
