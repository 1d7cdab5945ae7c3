package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/httpclient"
	"github.com/classwatch/classwatch/internal/logger"
)

// FileAsset is a model file already on disk.
type FileAsset struct {
	Path string
}

// EnsureAssetAvailable checks the file exists, is regular and is readable.
func (a FileAsset) EnsureAssetAvailable(_ context.Context) (string, error) {
	if a.Path == "" {
		return "", assetError(errors.NewStd("model path is empty"), "")
	}
	info, err := os.Stat(a.Path)
	if err != nil {
		return "", assetError(err, a.Path)
	}
	if !info.Mode().IsRegular() {
		return "", assetError(fmt.Errorf("%s is not a regular file", a.Path), a.Path)
	}
	f, err := os.Open(a.Path)
	if err != nil {
		return "", assetError(err, a.Path)
	}
	_ = f.Close()
	return a.Path, nil
}

// HTTPAsset downloads the model once into CacheDir and reuses the cached copy.
type HTTPAsset struct {
	URL      string
	CacheDir string
	Client   *httpclient.Client

	mu sync.Mutex
}

// NewHTTPAsset returns an asset fetched from rawURL and cached in cacheDir.
func NewHTTPAsset(rawURL, cacheDir string, client *httpclient.Client) *HTTPAsset {
	if client == nil {
		client = httpclient.New(nil)
	}
	return &HTTPAsset{URL: rawURL, CacheDir: cacheDir, Client: client}
}

// CachePath is where the downloaded asset is stored. The name carries a hash
// of the URL so a changed URL is downloaded again.
func (a *HTTPAsset) CachePath() (string, error) {
	u, err := url.Parse(a.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid model url %q", a.URL)
	}
	sum := sha256.Sum256([]byte(a.URL))
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		base = "model"
	}
	return filepath.Join(a.CacheDir, hex.EncodeToString(sum[:6])+"-"+base), nil
}

// EnsureAssetAvailable returns the cached file, downloading it first if needed.
// Missing, unreachable or non-200 responses are model load errors.
func (a *HTTPAsset) EnsureAssetAvailable(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	dest, err := a.CachePath()
	if err != nil {
		return "", assetError(err, a.URL)
	}
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		return dest, nil
	}

	if err := os.MkdirAll(a.CacheDir, 0o750); err != nil {
		return "", assetError(err, a.CacheDir)
	}

	resp, err := a.Client.Get(ctx, a.URL)
	if err != nil {
		return "", assetError(err, a.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", assetError(fmt.Errorf("unexpected status %s", resp.Status), a.URL)
	}

	tmp, err := os.CreateTemp(a.CacheDir, ".download-*")
	if err != nil {
		return "", assetError(err, a.CacheDir)
	}
	written, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil || written == 0 {
		_ = os.Remove(tmp.Name())
		if copyErr == nil && closeErr == nil {
			copyErr = errors.NewStd("empty response body")
		}
		return "", assetError(errors.Join(copyErr, closeErr), a.URL)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", assetError(err, dest)
	}

	GetLogger().Info("Model asset downloaded",
		logger.String("path", dest),
		logger.Int64("bytes", written))
	return dest, nil
}

func assetError(err error, location string) error {
	return errors.New(err).
		Component("model").
		Category(errors.CategoryModelAsset).
		Context("location", location).
		Build()
}
