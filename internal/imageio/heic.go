package imageio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// ErrConverterUnavailable means neither heif-convert nor ImageMagick is on PATH.
var ErrConverterUnavailable = errors.New("no heic converter found on PATH")

// CommandConverter converts HEIC files with an external tool: libheif's
// heif-convert when installed, otherwise ImageMagick.
type CommandConverter struct {
	Quality  int
	lookPath func(string) (string, error)
}

// NewCommandConverter returns a converter using JPEGQuality.
func NewCommandConverter() *CommandConverter {
	return &CommandConverter{Quality: JPEGQuality, lookPath: exec.LookPath}
}

// Available reports whether any supported tool is installed.
func (c *CommandConverter) Available() bool {
	_, _, err := c.pick()
	return err == nil
}

// ToJPEG implements HEICConverter.
func (c *CommandConverter) ToJPEG(ctx context.Context, data []byte) ([]byte, error) {
	tool, path, err := c.pick()
	if err != nil {
		return nil, err
	}
	switch tool {
	case "heif-convert":
		return c.viaHeifConvert(ctx, path, data)
	default:
		return c.viaMagick(ctx, path, data)
	}
}

func (c *CommandConverter) pick() (string, string, error) {
	lookPath := c.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, tool := range []string{"heif-convert", "magick"} {
		if path, err := lookPath(tool); err == nil {
			return tool, path, nil
		}
	}
	return "", "", ErrConverterUnavailable
}

// heif-convert only works on files, so the payload round-trips through a temp dir.
func (c *CommandConverter) viaHeifConvert(ctx context.Context, bin string, data []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "facematch-heic-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.heic")
	out := filepath.Join(dir, "output.jpg")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, err
	}

	cmd := newCapturedCommand(ctx, bin, "-q", strconv.Itoa(c.quality()), in, out)
	if err := cmd.Run(); err != nil {
		return nil, cmd.failure(err)
	}
	return os.ReadFile(out)
}

func (c *CommandConverter) viaMagick(ctx context.Context, bin string, data []byte) ([]byte, error) {
	cmd := newCapturedCommand(ctx, bin, "heic:-", "-quality", strconv.Itoa(c.quality()), "jpeg:-")
	cmd.Stdin = bytes.NewReader(data)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, cmd.failure(err)
	}
	return stdout.Bytes(), nil
}

func (c *CommandConverter) quality() int {
	if c.Quality <= 0 || c.Quality > 100 {
		return JPEGQuality
	}
	return c.Quality
}

// capturedCommand keeps the child's stderr so a failed conversion explains itself.
type capturedCommand struct {
	*exec.Cmd
	stderr *bytes.Buffer
}

func newCapturedCommand(ctx context.Context, name string, args ...string) *capturedCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &capturedCommand{Cmd: cmd, stderr: stderr}
}

func (c *capturedCommand) failure(err error) error {
	if c.stderr.Len() > 0 {
		return fmt.Errorf("%s: %w: %s", filepath.Base(c.Path), err, bytes.TrimSpace(c.stderr.Bytes()))
	}
	return fmt.Errorf("%s: %w", filepath.Base(c.Path), err)
}
