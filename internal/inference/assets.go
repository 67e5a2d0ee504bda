package inference

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Asset is one required model file: its local name under the model directory
// and its path relative to the download base URL.
type Asset struct {
	Name   string
	Remote string
}

// ModelAssets is the fixed set of files the embedding model needs. The
// quantized weight file is the only large one.
var ModelAssets = []Asset{
	{Name: "config.json", Remote: "config.json"},
	{Name: "tokenizer.json", Remote: "tokenizer.json"},
	{Name: "tokenizer_config.json", Remote: "tokenizer_config.json"},
	{Name: "model_quantized.onnx", Remote: "onnx/model_quantized.onnx"},
}

// ModelFileName is the asset passed to the ONNX session.
const ModelFileName = "model_quantized.onnx"

// DownloadProgress reports per-file download progress. total is -1 when the
// remote does not advertise a length.
type DownloadProgress func(name string, done, total int64)

// AssetSet locates model assets on disk and fetches missing ones.
type AssetSet struct {
	Dir     string
	BaseURL string

	httpClient *http.Client
}

// NewAssetSet creates an asset set rooted at dir, downloading from baseURL.
func NewAssetSet(dir, baseURL string) *AssetSet {
	return &AssetSet{
		Dir:     dir,
		BaseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

// Path returns the local path of the named asset.
func (a *AssetSet) Path(name string) string {
	return filepath.Join(a.Dir, name)
}

// ModelPath returns the local path of the ONNX weight file.
func (a *AssetSet) ModelPath() string {
	return a.Path(ModelFileName)
}

// EnsureLayout creates the model directory if absent.
func (a *AssetSet) EnsureLayout() error {
	if err := os.MkdirAll(a.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}
	return nil
}

// Missing returns the assets not present on disk (zero-length files count as missing).
func (a *AssetSet) Missing() []Asset {
	var missing []Asset
	for _, asset := range ModelAssets {
		info, err := os.Stat(a.Path(asset.Name))
		if err != nil || info.Size() == 0 {
			missing = append(missing, asset)
		}
	}
	return missing
}

// Download fetches one asset to its local path, writing to a temp file and
// renaming on success so a partial download is never mistaken for a complete
// asset. progress may be nil.
func (a *AssetSet) Download(ctx context.Context, asset Asset, progress DownloadProgress) error {
	url := a.BaseURL + "/" + asset.Remote
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", asset.Name, err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", asset.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %d", asset.Name, resp.StatusCode)
	}

	tmp := a.Path(asset.Name) + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", asset.Name, err)
	}

	src := io.Reader(resp.Body)
	if progress != nil {
		src = &progressReader{
			r:     resp.Body,
			total: resp.ContentLength,
			report: func(done, total int64) {
				progress(asset.Name, done, total)
			},
		}
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to download %s: %w", asset.Name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", asset.Name, err)
	}
	if err := os.Rename(tmp, a.Path(asset.Name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize %s: %w", asset.Name, err)
	}
	return nil
}

// Remove deletes the whole model directory (used by a full reset that also
// discards downloaded assets).
func (a *AssetSet) Remove() error {
	return os.RemoveAll(a.Dir)
}

// progressReader reports cumulative bytes read through report.
type progressReader struct {
	r      io.Reader
	done   int64
	total  int64
	report func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		p.report(p.done, p.total)
	}
	return n, err
}
