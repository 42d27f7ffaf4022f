// Package sources turns candidate lists into endpoint slices. A source is
// anywhere proxy candidates come from: a local file or a remote list URL.
// Parsing is forgiving: comments, blank lines, and malformed entries are
// skipped with a log line instead of failing the whole list.
package sources

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/weir-proxy/weir/internal/endpoint"
	"github.com/weir-proxy/weir/internal/netutil"
)

// Source yields candidate endpoints for a validation batch.
type Source interface {
	// Name identifies the source in logs and checkpoint headers.
	Name() string
	Fetch(ctx context.Context) ([]endpoint.Endpoint, error)
}

// FileSource reads candidates from a local text file, one per line.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Fetch(ctx context.Context) ([]endpoint.Endpoint, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("sources: read %s: %w", s.Path, err)
	}
	return ParseList(s.Name(), data), nil
}

// URLSource downloads a candidate list over HTTP.
type URLSource struct {
	URL        string
	Downloader netutil.Downloader
}

func (s URLSource) Name() string { return "url:" + s.URL }

func (s URLSource) Fetch(ctx context.Context) ([]endpoint.Endpoint, error) {
	if s.Downloader == nil {
		return nil, fmt.Errorf("sources: url source %s has no downloader", s.URL)
	}
	data, err := s.Downloader.Download(ctx, s.URL)
	if err != nil {
		return nil, fmt.Errorf("sources: download %s: %w", s.URL, err)
	}
	return ParseList(s.Name(), data), nil
}

// ParseList extracts endpoints from a candidate list. Lines starting with
// "#" or ";" are comments; inline "#" comments are stripped; duplicates
// collapse to their first occurrence.
func ParseList(name string, data []byte) []endpoint.Endpoint {
	var out []endpoint.Endpoint
	seen := make(map[endpoint.Endpoint]struct{})
	skipped := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if idx := strings.Index(line, "#"); idx > 0 {
			line = strings.TrimSpace(line[:idx])
		}

		ep, err := endpoint.Parse(line)
		if err != nil {
			skipped++
			continue
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}

	if skipped > 0 {
		log.Printf("[sources] %s: skipped %d malformed lines", name, skipped)
	}
	return out
}

// Merge concatenates several sources, deduplicating across them. A source
// that fails entirely is logged and skipped; the batch still runs with
// whatever the others produced.
func Merge(ctx context.Context, srcs ...Source) []endpoint.Endpoint {
	var out []endpoint.Endpoint
	seen := make(map[endpoint.Endpoint]struct{})
	for _, src := range srcs {
		eps, err := src.Fetch(ctx)
		if err != nil {
			log.Printf("[sources] %s: %v", src.Name(), err)
			continue
		}
		for _, ep := range eps {
			if _, dup := seen[ep]; dup {
				continue
			}
			seen[ep] = struct{}{}
			out = append(out, ep)
		}
	}
	return out
}
