package vision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/stellarlinkco/freshbot/internal/config"
)

const defaultModelFile = "model.onnx"

// ResolveModel returns a local path for the configured model artifact. Remote
// artifacts are downloaded into cfg.Dir once and reused on later starts
// unless cfg.Refresh is set.
func ResolveModel(ctx context.Context, cfg config.ModelConfig, client *http.Client) (string, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return "", fmt.Errorf("model url is empty")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse model url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "file":
		return localModel(u.Path)
	case "":
		return localModel(raw)
	default:
		return "", fmt.Errorf("unsupported model url scheme %q", u.Scheme)
	}

	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = defaultModelFile
	}
	dest := filepath.Join(cfg.Dir, name)

	if !cfg.Refresh {
		if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
			return dest, nil
		}
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	if err := downloadFile(ctx, client, raw, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func localModel(p string) (string, error) {
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("model file: %w", err)
	}
	return p, nil
}

func downloadFile(ctx context.Context, client *http.Client, src, dest string) error {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("create model request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download model: unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".model-*")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("download model: empty body")
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("move model into place: %w", err)
	}
	return nil
}

// LoadONNX resolves the model artifact and opens an ONNX classifier for numClasses labels.
func LoadONNX(ctx context.Context, cfg config.ModelConfig, numClasses int) (Classifier, error) {
	ctx, cancel := context.WithTimeout(ctx, config.Duration(cfg.DownloadTimeout, 2*time.Minute))
	defer cancel()

	modelPath, err := ResolveModel(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}

	c, err := NewONNXClassifier(ONNXOptions{
		ModelPath:      modelPath,
		RuntimeLibrary: cfg.RuntimeLibrary,
		InputName:      cfg.InputName,
		OutputName:     cfg.OutputName,
		NumClasses:     numClasses,
		IntraOpThreads: cfg.IntraOpThreads,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
