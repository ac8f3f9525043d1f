// Package models resolves where the face model weights come from and keeps the
// loaded extractor for the process.
package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
)

// RequiredFiles are the weight sets that must all load from one location.
var RequiredFiles = []string{
	"shape_predictor_5_face_landmarks.dat",
	"dlib_face_recognition_resnet_model_v1.dat",
	"mmod_human_face_detector.dat",
}

// DefaultLocations is the order sources are tried in when none are configured.
var DefaultLocations = []string{
	"./models",
	"https://raw.githubusercontent.com/Kagami/go-face-testdata/master/models",
	"https://cdn.jsdelivr.net/gh/Kagami/go-face-testdata@master/models",
}

// Source produces a location the extractor loader understands: a directory
// holding the weights, or a service address for remote extractors.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (string, error)
}

// LocalSource is a directory that must already contain every required file.
type LocalSource struct {
	Dir   string
	Files []string
}

func (s LocalSource) Name() string { return s.Dir }

// Fetch checks that the weights are present.
func (s LocalSource) Fetch(ctx context.Context) (string, error) {
	for _, f := range filesOrDefault(s.Files) {
		info, err := os.Stat(filepath.Join(s.Dir, f))
		if err != nil {
			return "", fmt.Errorf("model file %s: %w", f, err)
		}
		if info.IsDir() || info.Size() == 0 {
			return "", fmt.Errorf("model file %s is not a regular non-empty file", f)
		}
	}
	return s.Dir, nil
}

// HTTPSource downloads the weights from BaseURL into a per-URL cache dir.
// Files already cached are reused.
type HTTPSource struct {
	BaseURL  string
	CacheDir string
	Files    []string
	Client   *http.Client
	// Progress receives a download progress bar when non-nil.
	Progress io.Writer
}

func (s HTTPSource) Name() string { return s.BaseURL }

// Fetch downloads any missing file and returns the cache directory.
func (s HTTPSource) Fetch(ctx context.Context) (string, error) {
	dir := filepath.Join(s.CacheDir, cacheKey(s.BaseURL))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	client := s.Client
	if client == nil {
		client = NewHTTPClient(5 * time.Minute)
	}

	for _, f := range filesOrDefault(s.Files) {
		dest := filepath.Join(dir, f)
		if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
			continue
		}
		if err := s.download(ctx, client, strings.TrimRight(s.BaseURL, "/")+"/"+f, dest); err != nil {
			return "", fmt.Errorf("download %s: %w", f, err)
		}
	}
	return dir, nil
}

func (s HTTPSource) download(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if s.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription("⬇️  "+filepath.Base(dest)),
			progressbar.OptionSetWriter(s.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		w = io.MultiWriter(tmp, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// StaticSource hands a fixed location to the loader, e.g. a model service address.
type StaticSource struct {
	Location string
}

func (s StaticSource) Name() string { return s.Location }

func (s StaticSource) Fetch(ctx context.Context) (string, error) { return s.Location, nil }

// SourcesFor turns an ordered list of locations into sources: http(s) URLs are
// downloaded into cacheDir, anything else is a local directory.
func SourcesFor(locations []string, cacheDir string, progress io.Writer) []Source {
	sources := make([]Source, 0, len(locations))
	for _, loc := range locations {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
			sources = append(sources, HTTPSource{BaseURL: loc, CacheDir: cacheDir, Progress: progress})
			continue
		}
		sources = append(sources, LocalSource{Dir: loc})
	}
	return sources
}

// NewHTTPClient returns a client with explicit dial and TLS timeouts; the
// default client has none.
func NewHTTPClient(timeout time.Duration) *http.Client {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: t}
}

func filesOrDefault(files []string) []string {
	if len(files) == 0 {
		return RequiredFiles
	}
	return files
}

func cacheKey(baseURL string) string {
	sum := sha256.Sum256([]byte(baseURL))
	return hex.EncodeToString(sum[:])[:12]
}
