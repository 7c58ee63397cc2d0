// Package whisper supervises the speech-to-text CLI: model downloads,
// per-job child processes, and the stt queue worker.
package whisper

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ModelInfo describes one downloadable ggml model.
type ModelInfo struct {
	Name string // catalog key: tiny, base, small
	File string // file name under the models directory
	URL  string // content-addressed download URL
	Size int64  // published byte length, checked after download
}

// modelCatalog lists the supported whisper.cpp models.
var modelCatalog = map[string]ModelInfo{
	"tiny": {
		Name: "tiny",
		File: "ggml-tiny.bin",
		URL:  "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-tiny.bin",
		Size: 77691713,
	},
	"base": {
		Name: "base",
		File: "ggml-base.bin",
		URL:  "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-base.bin",
		Size: 147951465,
	},
	"small": {
		Name: "small",
		File: "ggml-small.bin",
		URL:  "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin",
		Size: 487601967,
	},
}

// LookupModel returns the catalog entry for a model name.
func LookupModel(name string) (ModelInfo, error) {
	info, ok := modelCatalog[name]
	if !ok {
		return ModelInfo{}, fmt.Errorf("unknown whisper model %q (want tiny, base, or small)", name)
	}
	return info, nil
}

// ModelStatus is one row of the admin model listing.
type ModelStatus struct {
	Name       string `json:"name"`
	File       string `json:"file"`
	SizeBytes  int64  `json:"size_bytes"`
	Downloaded bool   `json:"downloaded"`
}

// ListModels reports every catalog model and whether its file is present.
func ListModels(modelsDir string) []ModelStatus {
	out := make([]ModelStatus, 0, len(modelCatalog))
	for _, name := range []string{"tiny", "base", "small"} {
		info := modelCatalog[name]
		status := ModelStatus{Name: info.Name, File: info.File, SizeBytes: info.Size}
		if fi, err := os.Stat(filepath.Join(modelsDir, info.File)); err == nil && fi.Size() == info.Size {
			status.Downloaded = true
		}
		out = append(out, status)
	}
	return out
}

// EnsureModel makes sure the named model file exists in modelsDir with the
// published size, downloading it when absent. Downloads go to a .tmp file
// and are renamed into place only after the size check passes.
func EnsureModel(modelsDir, name string) (string, error) {
	info, err := LookupModel(name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(modelsDir, info.File)
	if fi, err := os.Stat(path); err == nil {
		if fi.Size() == info.Size {
			return path, nil
		}
		slog.Warn("Model file has unexpected size, re-downloading",
			"model", name, "got", fi.Size(), "want", info.Size)
	}

	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create models dir: %w", err)
	}

	slog.Info("Downloading whisper model", "model", name, "url", info.URL, "bytes", info.Size)
	op := func() error { return downloadModel(info, path) }
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	if err := backoff.Retry(op, policy); err != nil {
		return "", fmt.Errorf("failed to download model %s: %w", name, err)
	}
	slog.Info("Model downloaded", "model", name, "path", path)
	return path, nil
}

// downloadModel fetches one model into path via a .tmp side-file. At most
// one redirect is followed.
func downloadModel(info ModelInfo, path string) error {
	client := &http.Client{
		Timeout: 30 * time.Minute,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > 1 {
				return fmt.Errorf("too many redirects fetching %s", info.File)
			}
			return nil
		},
	}

	resp, err := client.Get(info.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s fetching %s", resp.Status, info.File)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return backoff.Permanent(err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if n != info.Size {
		_ = os.Remove(tmp)
		return fmt.Errorf("model %s size mismatch: got %d bytes, want %d", info.File, n, info.Size)
	}
	return os.Rename(tmp, path)
}
