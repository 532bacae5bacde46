// Package cacheindex builds the deploy-time filesystem-to-URL map that lets
// the Static Responder serve requests with zero syscalls, following
// original_source/backend/shield/cache_index.py.
package cacheindex

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	inMemoryThreshold = 512 * 1024
	maxMemoryTotal     = 256 * 1024 * 1024
)

var immutableExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".otf": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".avif": {}, ".ico": {},
	".mp4": {}, ".webm": {}, ".mp3": {}, ".ogg": {}, ".pdf": {}, ".map": {},
}

// Entry is a pre-computed response descriptor for one cached file.
type Entry struct {
	DiskPath      string
	ContentType   string
	ContentLength int64
	IsImmutable   bool
	Body          []byte // nil means "serve from disk"
}

// Stats summarizes an Index's current contents for the /__cache_stats route.
type Stats struct {
	Files       int `json:"files"`
	InMemory    int `json:"in_memory"`
	MemoryBytes int64 `json:"memory_bytes"`
	DiskOnly    int `json:"disk_only"`
}

// Index is the fully pre-computed URL-path-to-Entry mapping for one site's
// cache directory. Built once by Build, then mutated only via AddLearnedFile.
type Index struct {
	cacheRoot string
	entries   map[string]*Entry
	queries   map[string]*Entry
	memoryUsed int64
}

// New returns an empty Index rooted at cacheRoot.
func New(cacheRoot string) *Index {
	return &Index{
		cacheRoot: cacheRoot,
		entries:   map[string]*Entry{},
		queries:   map[string]*Entry{},
	}
}

// Lookup resolves path (and, if query is non-empty, the composite
// "path?query" key first) to its Entry, or nil on a miss.
func (idx *Index) Lookup(path, query string) *Entry {
	if query != "" {
		if entry, ok := idx.queries[path+"?"+query]; ok {
			return entry
		}
	}
	return idx.entries[path]
}

// Stats returns a point-in-time snapshot of the index's population.
func (idx *Index) Stats() Stats {
	inMemory := 0
	for _, e := range idx.entries {
		if e.Body != nil {
			inMemory++
		}
	}
	for _, e := range idx.queries {
		if e.Body != nil {
			inMemory++
		}
	}
	total := len(idx.entries) + len(idx.queries)
	return Stats{
		Files:       total,
		InMemory:    inMemory,
		MemoryBytes: idx.memoryUsed,
		DiskOnly:    total - inMemory,
	}
}

// Build walks cacheRoot recursively and populates the index. A missing
// cache_root is not an error — it simply yields an empty index.
func (idx *Index) Build() error {
	start := time.Now()

	root, err := filepath.Abs(idx.cacheRoot)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(root); os.IsNotExist(statErr) {
		return nil
	}

	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		urlPath := filepath.ToSlash(rel)

		ct := contentTypeFor(path)
		ext := strings.ToLower(filepath.Ext(path))
		_, immutable := immutableExtensions[ext]
		size := info.Size()

		var body []byte
		if size <= inMemoryThreshold && idx.memoryUsed+size <= maxMemoryTotal {
			if data, readErr := os.ReadFile(path); readErr == nil {
				body = data
				idx.memoryUsed += size
			}
		}

		entry := &Entry{
			DiskPath:      path,
			ContentType:   ct,
			ContentLength: size,
			IsImmutable:   immutable,
			Body:          body,
		}
		idx.register(urlPath, entry, rel)
		return nil
	})
	if err != nil {
		return err
	}

	stats := idx.Stats()
	log.Info().
		Dur("elapsed", time.Since(start)).
		Int("files", stats.Files).
		Int("in_memory", stats.InMemory).
		Float64("memory_mb", float64(stats.MemoryBytes)/1048576).
		Int("disk_only", stats.DiskOnly).
		Msg("cache index built")
	return nil
}

// AddLearnedFile hot-adds a file the Asset Learner just wrote, returning the
// new Entry or nil if the file vanished between learn and add.
func (idx *Index) AddLearnedFile(relPath string) *Entry {
	root, err := filepath.Abs(idx.cacheRoot)
	if err != nil {
		return nil
	}
	fullPath := filepath.Join(root, filepath.FromSlash(relPath))

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		return nil
	}

	ct := contentTypeFor(fullPath)
	ext := strings.ToLower(filepath.Ext(fullPath))
	_, immutable := immutableExtensions[ext]
	size := info.Size()

	var body []byte
	if size <= inMemoryThreshold {
		if data, readErr := os.ReadFile(fullPath); readErr == nil {
			body = data
		}
	}

	entry := &Entry{
		DiskPath:      fullPath,
		ContentType:   ct,
		ContentLength: size,
		IsImmutable:   immutable,
		Body:          body,
	}

	urlPath := filepath.ToSlash(relPath)
	idx.entries[urlPath] = entry

	if strings.HasSuffix(urlPath, "/index.html") {
		dirPath := strings.TrimSuffix(urlPath, "index.html")
		idx.entries[dirPath] = entry
		idx.entries[strings.TrimSuffix(dirPath, "/")] = entry
	}
	return entry
}

// register installs entry under every URL alias rel is reachable at,
// including the query-index composite key when the filename encodes one.
func (idx *Index) register(urlPath string, entry *Entry, rel string) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	filename := parts[len(parts)-1]

	if strings.Contains(filename, "_") && !strings.HasPrefix(urlPath, "_") {
		underscoreIdx := strings.LastIndex(filename, "_")
		dotIdx := strings.LastIndex(filename, ".")
		if dotIdx > underscoreIdx {
			queryEncoded := filename[underscoreIdx+1 : dotIdx]
			cleanName := filename[:underscoreIdx] + filename[dotIdx:]
			var cleanPath string
			if len(parts) > 1 {
				cleanPath = strings.Join(append(append([]string{}, parts[:len(parts)-1]...), cleanName), "/")
			} else {
				cleanPath = cleanName
			}
			idx.queries[cleanPath+"?"+queryEncoded] = entry
		}
	}

	idx.entries[urlPath] = entry

	if urlPath == "index.html" {
		idx.entries[""] = entry
		idx.entries["/"] = entry
	}

	if strings.HasSuffix(urlPath, "/index.html") {
		dirPath := strings.TrimSuffix(urlPath, "index.html")
		idx.entries[dirPath] = entry
		if bare := strings.TrimSuffix(dirPath, "/"); bare != "" {
			idx.entries[bare] = entry
		}
	}
}

func contentTypeFor(path string) string {
	ext := filepath.Ext(path)
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
