package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultCacheVersion names the generation when cache.version is not set.
const DefaultCacheVersion = "metacurtis-v3-cache-v1"

// DefaultPrecache is the site's build-time precache list.
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/favicon.svg",
	"/src/style.css",
	"/src/main.jsx",
	"/fonts/custom-font.woff2",
	"/fonts/custom-font-bold.woff2",
}

// Manifest is the precache manifest: fixed paths plus the same-origin
// locations listed by sitemaps, resolved at install time.
type Manifest struct {
	Paths    []string
	Sitemaps []string
}

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// Resolve returns the ordered, de-duplicated list of absolute URLs to precache.
// Any sitemap that cannot be fetched or parsed fails the whole resolution.
func (m Manifest) Resolve(ctx context.Context, fetcher Fetcher, origin *url.URL) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(m.Paths))
	add := func(abs string) {
		if _, ok := seen[abs]; ok {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}
	for _, p := range m.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		add(resolvePath(origin, p))
	}

	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(m.Sitemaps))
	// only same-origin sitemaps are fetched
	enqueue := func(loc string) {
		if loc == "" {
			return
		}
		abs := resolvePath(origin, loc)
		if u, err := url.Parse(abs); err == nil && sameOrigin(u, origin) {
			queue = append(queue, abs)
		}
	}
	for _, sm := range m.Sitemaps {
		enqueue(strings.TrimSpace(sm))
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, fetcher, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			enqueue(strings.TrimSpace(nested))
		}
		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			abs := resolvePath(origin, loc)
			u, err := url.Parse(abs)
			if err != nil || !sameOrigin(u, origin) {
				// third-party content is never cached
				continue
			}
			add(abs)
		}
	}
	return out, nil
}

func fetchSitemap(ctx context.Context, fetcher Fetcher, sitemapURL string) (sitemapDoc, error) {
	req, err := NewRequest(http.MethodGet, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := fetcher.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Servers may gzip the file itself, or already have had it decoded by a
	// Content-Encoding aware client.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
