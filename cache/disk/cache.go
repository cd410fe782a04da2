// Package disk provides a disk-backed plan cache.
package disk

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/vzip/internal/manifest"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	tempPrefix = "plan-"
)

// config holds disk cache configuration.
type config struct {
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
}

// Option configures a disk cache.
type Option func(*config)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(c *config) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *config) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum cache size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// Cache implements cache.PlanCache using the local filesystem.
//
// Catalog digests are used directly as filenames (with the algorithm prefix
// stripped). Cached manifests are decoded on read and must carry the digest
// they are stored under; anything else is deleted to prevent cache
// poisoning.
type Cache struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
	maxBytes       int64
	bytes          atomic.Int64
	pruneMu        sync.Mutex
}

// New creates a disk-backed plan cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	cfg := config{
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if cfg.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return nil, err
	}

	c := &Cache{
		dir:            dir,
		shardPrefixLen: cfg.shardPrefixLen,
		dirPerm:        cfg.dirPerm,
		maxBytes:       cfg.maxBytes,
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// GetPlan returns the cached manifest for a catalog digest.
func (c *Cache) GetPlan(dgst string) ([]byte, bool) {
	path, err := c.path(dgst)
	if err != nil {
		return nil, false
	}

	root, err := os.OpenRoot(c.dir)
	if err != nil {
		return nil, false
	}
	defer root.Close()

	data, err := root.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !keyMatches(dgst, data) {
		_ = c.deleteByPath(root, path)
		return nil, false
	}
	return data, true
}

// PutPlan caches a manifest by catalog digest. Writes are atomic; an
// existing entry is left untouched.
func (c *Cache) PutPlan(dgst string, raw []byte) error {
	path, err := c.path(dgst)
	if err != nil {
		return err
	}
	if !keyMatches(dgst, raw) {
		return fmt.Errorf("manifest key mismatch for %q", dgst)
	}

	root, err := os.OpenRoot(c.dir)
	if err != nil {
		return fmt.Errorf("open cache root: %w", err)
	}
	defer root.Close()

	if _, err := root.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat cache entry: %w", err)
	}

	written := int64(len(raw))
	if ok, err := c.ensureCapacity(written); err != nil {
		return err
	} else if !ok {
		return nil // Cache full, skip silently
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := root.MkdirAll(dir, c.dirPerm); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}

	tmp, tmpPath, err := createTemp(root, dir)
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = root.Remove(tmpPath)
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := root.Rename(tmpPath, path); err != nil {
		_ = root.Remove(tmpPath)
		if _, statErr := root.Stat(path); statErr == nil {
			return nil
		}
		return fmt.Errorf("rename cache file: %w", err)
	}

	c.bytes.Add(written)
	return nil
}

// Delete removes a cached plan.
func (c *Cache) Delete(dgst string) error {
	path, err := c.path(dgst)
	if err != nil {
		return err
	}
	root, err := os.OpenRoot(c.dir)
	if err != nil {
		return err
	}
	defer root.Close()
	return c.deleteByPath(root, path)
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (c *Cache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes cached plans, oldest first, until the cache is at or below
// targetBytes.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, max(targetBytes, 0))
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

func (c *Cache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}

func (c *Cache) deleteByPath(root *os.Root, path string) error {
	info, err := root.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := root.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	c.bytes.Add(-info.Size())
	return nil
}

func (c *Cache) path(dgst string) (string, error) {
	parsed, err := digest.Parse(dgst)
	if err != nil {
		return "", fmt.Errorf("parse digest %q: %w", dgst, err)
	}
	hexHash := parsed.Encoded()
	if c.shardPrefixLen <= 0 {
		return hexHash, nil
	}
	prefixLen := min(c.shardPrefixLen, len(hexHash))
	return filepath.Join(hexHash[:prefixLen], hexHash), nil
}

// keyMatches reports whether data is a manifest planned for the catalog dgst.
func keyMatches(dgst string, data []byte) bool {
	m, err := manifest.Decode(data)
	if err != nil {
		return false
	}
	return m.Key == dgst
}

func createTemp(root *os.Root, dir string) (*os.File, string, error) {
	if dir == "" {
		dir = "."
	}
	for range 10000 {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err != nil {
			return nil, "", err
		}
		path := filepath.Join(dir, tempPrefix+hex.EncodeToString(randBytes[:]))
		f, err := root.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}
	return nil, "", errors.New("failed to create temp file")
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix)
}
