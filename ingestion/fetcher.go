package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// ErrFetchUnavailable marks a source the fetcher could not produce any sections for.
var ErrFetchUnavailable = errors.New("fetch unavailable")

// Fetcher retrieves and parses one document into titled sections.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]Section, error)
}

// FileFetcher reads file:// URLs from local disk.
type FileFetcher struct{}

func (FileFetcher) Fetch(ctx context.Context, rawURL string) ([]Section, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("unsupported scheme %q for %s: %w", u.Scheme, rawURL, ErrFetchUnavailable)
	}

	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %v: %w", path, err, ErrFetchUnavailable)
	}

	sections, err := ParseSections(DetectFormat(path), data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", path, err, ErrFetchUnavailable)
	}
	return sections, nil
}

// FileURL builds the file:// URL FileFetcher expects for a local path.
func FileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

// CollectFiles expands files and directories into file:// URLs of every supported document,
// sorted by path.
func CollectFiles(paths []string) ([]string, error) {
	var urls []string
	for _, root := range paths {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", root, err)
		}
		if err := filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			if DetectFormat(path) != FormatUnknown {
				urls = append(urls, FileURL(path))
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

// StaticFetcher serves sections that were supplied up front, keyed by URL.
type StaticFetcher struct {
	mu   sync.RWMutex
	docs map[string][]Section
}

func NewStaticFetcher() *StaticFetcher {
	return &StaticFetcher{docs: make(map[string][]Section)}
}

func (f *StaticFetcher) Put(rawURL string, sections []Section) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[rawURL] = append([]Section(nil), sections...)
}

func (f *StaticFetcher) Fetch(_ context.Context, rawURL string) ([]Section, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sections, ok := f.docs[rawURL]
	if !ok {
		return nil, fmt.Errorf("no content registered for %s: %w", rawURL, ErrFetchUnavailable)
	}
	return append([]Section(nil), sections...), nil
}

// MultiFetcher routes file:// URLs to FileFetcher and everything else to a fallback.
type MultiFetcher struct {
	Files    Fetcher
	Fallback Fetcher
}

func (m MultiFetcher) Fetch(ctx context.Context, rawURL string) ([]Section, error) {
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" && m.Files != nil {
		return m.Files.Fetch(ctx, rawURL)
	}
	if m.Fallback == nil {
		return nil, fmt.Errorf("no fetcher for %s: %w", rawURL, ErrFetchUnavailable)
	}
	return m.Fallback.Fetch(ctx, rawURL)
}
