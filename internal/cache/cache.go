// Package cache implements spec §4.4's ResponseCache: a content-addressed,
// file-per-entry store of prior HTTP responses keyed by request fingerprint,
// with TTL expiry evaluated lazily on Get.
package cache

import (
	"bytes"
	"container/list"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// compressThreshold is the serialized entry size at or above which cache
// files are gzipped on disk (below it, compression overhead isn't worth the
// CPU).
const compressThreshold = 512

// lruIndex tracks cached fingerprints for the byte-budget eviction that
// supplements spec §4.4's TTL-based lazy eviction (there is no background
// sweeper; this index is only ever touched from Get/Set, so it stays lazy
// too — it just additionally bounds total disk usage, which TTL alone
// leaves unbounded).
type lruIndex struct {
	items map[string]*lruItem
	order *list.List // least recently used at the front
}

type lruItem struct {
	key      string
	size     int64
	lastUsed time.Time
	element  *list.Element
}

func newLRUIndex() *lruIndex {
	return &lruIndex{items: make(map[string]*lruItem), order: list.New()}
}

func (idx *lruIndex) add(key string, size int64) {
	now := time.Now()
	if item, ok := idx.items[key]; ok {
		item.size = size
		item.lastUsed = now
		idx.order.MoveToBack(item.element)
		return
	}
	item := &lruItem{key: key, size: size, lastUsed: now}
	item.element = idx.order.PushBack(item)
	idx.items[key] = item
}

func (idx *lruIndex) access(key string) {
	if item, ok := idx.items[key]; ok {
		item.lastUsed = time.Now()
		idx.order.MoveToBack(item.element)
	}
}

func (idx *lruIndex) exists(key string) bool {
	_, ok := idx.items[key]
	return ok
}

func (idx *lruIndex) remove(key string) {
	if item, ok := idx.items[key]; ok {
		idx.order.Remove(item.element)
		delete(idx.items, key)
	}
}

func (idx *lruIndex) evict() (key string, size int64) {
	front := idx.order.Front()
	if front == nil {
		return "", 0
	}
	item := front.Value.(*lruItem)
	idx.order.Remove(front)
	delete(idx.items, item.key)
	return item.key, item.size
}

func (idx *lruIndex) count() int {
	return len(idx.items)
}

// Stats tracks cache operation counters, adapted from the teacher's Stats.
type Stats struct {
	Hits      int64
	Misses    int64
	Stores    int64
	Expired   int64
	Evictions int64
	Errors    int64
	Bytes     int64
}

// Cache is the ResponseCache. Constructing it with maxAge == 0 disables
// caching entirely per spec §4.4.
type Cache struct {
	dir      string
	maxAge   time.Duration
	maxBytes int64
	enabled  bool
	log      *zap.Logger

	mu    sync.Mutex
	index *lruIndex
	stats Stats
}

// New creates a ResponseCache rooted at dir. maxAge == 0 disables the
// cache (Get always misses, Set is a no-op); maxBytes <= 0 means unbounded.
func New(dir string, maxAge time.Duration, maxBytes int64, log *zap.Logger) (*Cache, error) {
	c := &Cache{
		dir:      dir,
		maxAge:   maxAge,
		maxBytes: maxBytes,
		enabled:  maxAge > 0,
		log:      log,
		index:    newLRUIndex(),
	}

	if !c.enabled {
		return c, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	c.loadIndex()
	return c, nil
}

// Get returns a non-expired entry for (url, headers), or (nil, false, nil)
// on a miss. Expired or corrupt entries it observes are removed, per spec
// §4.4's "MUST atomically remove expired entries it observes".
func (c *Cache) Get(url string, headers http.Header) (*Entry, bool, error) {
	if !c.enabled {
		return nil, false, nil
	}

	key := Fingerprint(url, headers)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.index.exists(key) {
		c.stats.Misses++
		return nil, false, nil
	}

	entry, err := c.readLocked(key)
	if err != nil {
		c.stats.Misses++
		if errors.Is(err, errExpired) {
			c.stats.Expired++
			return nil, false, nil
		}
		c.stats.Errors++
		c.log.Debug("cache read error, treating as miss", zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}

	c.index.access(key)
	c.stats.Hits++
	return entry, true, nil
}

// Set stores content (the raw response body) for (url, headers), recorded
// under status/contentType, only ever called for status-200 GETs per the
// spec's ConnectionHandler contract.
func (c *Cache) Set(url string, headers http.Header, status int, respHeaders http.Header, content []byte, contentType string) error {
	if !c.enabled {
		return nil
	}

	key := Fingerprint(url, headers)
	entry := &Entry{
		URL:         url,
		Timestamp:   time.Now().UTC(),
		StatusCode:  status,
		Headers:     respHeaders,
		Content:     toStoredContent(content),
		ContentType: contentType,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size, err := c.writeLocked(key, entry)
	if err != nil {
		c.stats.Errors++
		return err
	}

	c.index.add(key, size)
	c.stats.Stores++
	c.stats.Bytes += size

	for c.maxBytes > 0 && c.stats.Bytes > c.maxBytes {
		if !c.evictOneLocked() {
			break
		}
	}

	return nil
}

// Stats returns a snapshot of the cache's operation counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

var errExpired = errors.New("cache entry expired")

func (c *Cache) filePath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// readLocked reads and decompresses the file for key. Any framing error —
// truncated gzip, invalid JSON — is treated as a miss and the file is
// removed, per spec §4.4 "corruption or partial writes are treated as
// misses and the file is removed".
func (c *Cache) readLocked(key string) (*Entry, error) {
	path := c.filePath(key)
	raw, err := os.ReadFile(path)
	if err != nil {
		c.index.remove(key)
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	data, err := maybeGunzip(raw)
	if err != nil {
		c.removeLocked(key)
		return nil, fmt.Errorf("corrupt cache file: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.removeLocked(key)
		return nil, fmt.Errorf("corrupt cache file: %w", err)
	}

	if time.Since(entry.Timestamp) >= c.maxAge {
		c.removeLocked(key)
		return nil, errExpired
	}

	return &entry, nil
}

// writeLocked serializes entry and writes it via write-temp-then-rename so
// a reader never observes a partial file (spec §5: "ResponseCache file
// writes must be atomic").
func (c *Cache) writeLocked(key string, entry *Entry) (int64, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshal cache entry: %w", err)
	}

	payload := data
	if len(data) >= compressThreshold {
		payload, err = gzipBytes(data)
		if err != nil {
			return 0, fmt.Errorf("compress cache entry: %w", err)
		}
	}

	path := c.filePath(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return 0, fmt.Errorf("write cache temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("rename cache file into place: %w", err)
	}

	return int64(len(payload)), nil
}

func (c *Cache) removeLocked(key string) {
	_ = os.Remove(c.filePath(key))
	c.index.remove(key)
}

func (c *Cache) evictOneLocked() bool {
	key, size := c.index.evict()
	if key == "" {
		return false
	}
	_ = os.Remove(c.filePath(key))
	c.stats.Bytes -= size
	c.stats.Evictions++
	return true
}

// loadIndex rebuilds the LRU index from files already on disk, so a
// restarted process resumes its byte budget correctly.
func (c *Cache) loadIndex() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := e.Name()
		key := name
		if filepath.Ext(name) == ".json" {
			key = name[:len(name)-len(".json")]
		}
		c.index.add(key, info.Size())
		c.stats.Bytes += info.Size()
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maybeGunzip decompresses data if it looks gzip-encoded, otherwise returns
// it unchanged (entries below compressThreshold are stored raw).
func maybeGunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
