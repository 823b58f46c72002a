// Package fetch materializes module source trees from a module proxy.
package fetch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/module"
)

// Fetcher obtains the source tree for one module version into destDir.
type Fetcher interface {
	Fetch(ctx context.Context, name, version, destDir string) error
}

// ProxyFetcher downloads module zips from a Go module proxy and extracts the
// module subtree into the destination directory.
type ProxyFetcher struct {
	ProxyURL string
	// MaxZipBytes caps the downloaded archive size. Larger downloads fail
	// instead of exhausting disk or memory.
	MaxZipBytes int64

	client *http.Client
}

// NewProxyFetcher creates a fetcher for the given proxy base URL.
func NewProxyFetcher(proxyURL string) *ProxyFetcher {
	return &ProxyFetcher{
		ProxyURL:    strings.TrimRight(proxyURL, "/"),
		MaxZipBytes: 512 << 20,
		client:      &http.Client{Timeout: 5 * time.Minute},
	}
}

func (f *ProxyFetcher) Fetch(ctx context.Context, name, version, destDir string) error {
	escaped, err := module.EscapePath(name)
	if err != nil {
		return fmt.Errorf("invalid module path %q: %w", name, err)
	}
	escapedVersion, err := module.EscapeVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}
	zipURL := fmt.Sprintf("%s/%s/@v/%s.zip", f.ProxyURL, escaped, escapedVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, zipURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", zipURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", zipURL, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxZipBytes+1))
	if err != nil {
		return fmt.Errorf("download %s: %w", zipURL, err)
	}
	if int64(len(data)) > f.MaxZipBytes {
		return fmt.Errorf("module zip for %s@%s exceeds %d bytes", name, version, f.MaxZipBytes)
	}

	return extractModuleZip(data, name, version, destDir)
}

// extractModuleZip unpacks a module zip. Entries live under the
// "name@version/" prefix; that prefix is stripped so destDir becomes the
// module root.
func extractModuleZip(data []byte, name, version, destDir string) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("open module zip for %s@%s: %w", name, version, err)
	}
	prefix := name + "@" + version + "/"
	for _, file := range reader.File {
		rel := strings.TrimPrefix(file.Name, prefix)
		if rel == file.Name || rel == "" {
			return fmt.Errorf("unexpected entry %q in module zip for %s@%s", file.Name, name, version)
		}
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("entry %q escapes destination directory", file.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeZipEntry(file, target); err != nil {
			return fmt.Errorf("extract %q: %w", file.Name, err)
		}
	}
	return nil
}

func writeZipEntry(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
