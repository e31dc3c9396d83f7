package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const digestPrefix = "sha256:"

// Cache is the agent's durable content-addressed file cache. Entries are
// named by their digest; content is trusted iff it hashes to its name, so
// repeated executions with the same file references never re-download.
type Cache struct {
	dir string
}

// NewCache creates the cache directory if needed.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// downloader is satisfied by client.Client.
type downloader interface {
	DownloadFile(ctx context.Context, digest string, w io.Writer) (int64, error)
}

// Resolve maps a file reference to a local path. References of the form
// "sha256:<digest>" are served from the cache, downloading and verifying
// on miss; anything else resolves relative to the agent working
// directory.
func (c *Cache) Resolve(ctx context.Context, dl downloader, ref string) (string, error) {
	if !strings.HasPrefix(ref, digestPrefix) {
		return filepath.Abs(ref)
	}
	digest := strings.ToLower(strings.TrimPrefix(ref, digestPrefix))
	if len(digest) != 64 {
		return "", fmt.Errorf("malformed file reference %q", ref)
	}

	path := filepath.Join(c.dir, digest)
	if ok, err := c.verify(path, digest); err != nil {
		return "", err
	} else if ok {
		return path, nil
	}

	// Miss or corrupt entry: fetch to a temp file, verify, then rename
	// into place so concurrent readers never see partial content.
	tmp, err := os.CreateTemp(c.dir, ".fetch-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	if _, err := dl.DownloadFile(ctx, digest, io.MultiWriter(tmp, h)); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", digest, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != digest {
		return "", fmt.Errorf("downloaded content for %s hashed to %s", digest, got)
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to place cache entry: %w", err)
	}
	return path, nil
}

// verify reports whether path exists and hashes to digest. A corrupt
// entry is removed so the caller re-downloads.
func (c *Cache) verify(path, digest string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}
	if hex.EncodeToString(h.Sum(nil)) != digest {
		os.Remove(path)
		return false, nil
	}
	return true, nil
}
