package worker

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"vtedge/internal/config"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// ManifestLoader builds the precache manifest: the build-injected JSON
// array, then every page listed by the configured sitemaps.
type ManifestLoader struct {
	Config  config.Precache
	Network Fetcher
	Scope   *url.URL
	// Skip drops paths the worker never intercepts.
	Skip func(path string) bool
	Log  zerolog.Logger
}

// Load never fails: sources that cannot be read are logged and skipped, and
// an empty result falls back to the configured defaults.
func (l *ManifestLoader) Load(ctx context.Context) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		p = rootPath(p)
		if p == "" {
			return
		}
		if l.Skip != nil && l.Skip(p) {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	if l.Config.Manifest != "" {
		paths, err := readManifestFile(l.Config.Manifest)
		if err != nil {
			l.Log.Warn().Err(err).Msg("precache manifest unreadable")
		}
		for _, p := range paths {
			add(p)
		}
	}

	if len(l.Config.Sitemaps) > 0 {
		n, err := l.discover(ctx, add)
		if err != nil {
			l.Log.Warn().Err(err).Msg("sitemap discovery stopped")
		}
		l.Log.Debug().Int("urls", n).Msg("sitemap discovery")
	}

	if len(out) == 0 {
		for _, p := range l.Config.Defaults {
			add(p)
		}
	}
	return out
}

func readManifestFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var paths []string
	if err := sonic.Unmarshal(b, &paths); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return paths, nil
}

func (l *ManifestLoader) discover(ctx context.Context, add func(string)) (int, error) {
	seenSitemaps := map[string]struct{}{}
	queue := make([]string, 0, len(l.Config.Sitemaps))
	for _, sm := range l.Config.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, l.absolute(sm))
		}
	}

	found := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := l.fetchSitemap(ctx, smURL)
		if err != nil {
			return found, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, l.absolute(nested))
			}
		}
		for _, loc := range doc.URLs {
			add(loc)
			found++
		}
		l.Log.Debug().Str("sitemap", smURL).Int("urls", len(doc.URLs)).Int("nested", len(doc.Sitemaps)).Msg("sitemap read")
	}
	return found, nil
}

func (l *ManifestLoader) absolute(raw string) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if !ref.IsAbs() && !strings.HasPrefix(ref.Path, "/") {
		ref.Path = "/" + ref.Path
	}
	return l.Scope.ResolveReference(ref).String()
}

func (l *ManifestLoader) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := NewRequest(http.MethodGet, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := l.Network.Fetch(ctx, req)
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
	// A .gz URL may or may not arrive already decoded.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
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
	return doc, nil
}

// rootPath reduces a sitemap loc or manifest entry to a root-relative
// path, keeping any query string.
func rootPath(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	p := u.EscapedPath()
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
