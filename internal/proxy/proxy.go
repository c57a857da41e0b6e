// Package proxy implements the rewriting intercept the bisection driver
// puts in front of a package manager's registry traffic.
//
// Unlike the JavaScript source this system replaces (which installs a
// process-global socket hook to catch every outbound connection an
// unmodified runtime makes), this implementation follows spec §9 Design
// Notes option (a): the package manager is configured with a registry
// base URL pointing at this proxy's local HTTP listener, so only registry
// traffic ever arrives here at all — there is no "bypass next connect"
// flag to synchronize, because there is no shared connection table to
// protect (see DESIGN.md for the full writeup of this substitution).
//
// A request's upstream target is carried as the first path segment of the
// URL the package manager was configured with (e.g.
// "http://127.0.0.1:9000/registry.npmjs.org/lodash" forwards to
// "https://registry.npmjs.org/lodash"), which lets one proxy instance
// serve several registry hosts — the multi-registry case spec §4.2
// calls out for a second package manager routed through an alternate
// hostname.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tinystack-dev/pkgbisect/internal/registry"
	"github.com/tinystack-dev/pkgbisect/internal/rewriter"
	"github.com/tinystack-dev/pkgbisect/internal/timeline"
)

const installV1Accept = "application/vnd.npm.install-v1+json"
const fullMetadataAccept = "application/json"

// Config configures one Proxy instance. A Proxy is scoped to exactly one
// probe: create it on probe start, discard it (and its cache and
// timeline) on probe end.
type Config struct {
	// Cutoff is the inclusive upper bound on kept publications: a version
	// published at or before Cutoff is kept, a later one is hidden.
	Cutoff time.Time

	// Upstreams maps a registry hostname (the path-segment label the
	// package manager's registry override will be configured with) to
	// the real base URL traffic for that host should be forwarded to.
	// In production this is "registry.npmjs.org" -> https://registry.npmjs.org;
	// tests substitute an httptest.Server URL.
	Upstreams map[string]*url.URL

	// Verbose logs each request's classification and rewrite decision.
	Verbose bool

	// CacheSize bounds the per-probe upstream response cache (0 disables
	// caching). This cache is scoped to the Proxy instance and never
	// shared across probes, preserving the "each probe must be
	// hermetic" non-goal.
	CacheSize int

	// TimelineDir, if set, makes the proxy emit the file-based timeline
	// transport spec §6 describes: one JSON array of {packageName,
	// version, time} fragments per document observed, written under this
	// directory with a unique name. internal/timelinewatch tails the
	// directory so the driver can assemble the timeline as the first
	// probe runs rather than waiting for it to exit.
	TimelineDir string
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// Proxy is a local HTTP server that terminates registry requests, rewrites
// their metadata responses per the configured cutoff, and accumulates a
// timeline of every (package, version, publish-time) triple it observes.
type Proxy struct {
	cfg    Config
	client *http.Client
	server *http.Server
	ln     net.Listener

	cache *lru.Cache[string, cachedResponse]

	mu       sync.Mutex
	events   []timeline.Event
	eventKey map[string]bool
}

// New constructs a Proxy. Call Start to begin listening.
func New(cfg Config) (*Proxy, error) {
	if len(cfg.Upstreams) == 0 {
		return nil, fmt.Errorf("proxy: at least one upstream registry host is required")
	}

	p := &Proxy{
		cfg: cfg,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
		eventKey: make(map[string]bool),
	}

	if cfg.CacheSize > 0 {
		c, err := lru.New[string, cachedResponse](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("proxy: create response cache: %w", err)
		}
		p.cache = c
	}

	return p, nil
}

// Start begins listening on 127.0.0.1 with an OS-assigned port. After it
// returns, RegistryURL gives the base URL to pass to the package manager
// for a given registry host label (e.g. p.RegistryURL("registry.npmjs.org")).
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("proxy: listen: %w", err)
	}
	p.ln = ln

	p.server = &http.Server{
		Handler: http.HandlerFunc(p.handle),
	}

	go func() {
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("pkgbisect: proxy serve error: %v", err)
		}
	}()

	return nil
}

// Addr returns the listener's address (host:port), valid after Start.
func (p *Proxy) Addr() string {
	return p.ln.Addr().String()
}

// RegistryURL returns the local base URL the package manager should be
// configured to use in place of the real registry host.
func (p *Proxy) RegistryURL(host string) string {
	return fmt.Sprintf("http://%s/%s/", p.Addr(), host)
}

// Stop shuts the proxy down. Safe to call even if Start failed partway.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// Timeline returns a snapshot of every (package, version, time) triple
// observed so far, sorted and de-duplicated.
func (p *Proxy) Timeline() []timeline.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]timeline.Event, len(p.events))
	copy(out, p.events)
	return timeline.Merge(out)
}

func (p *Proxy) recordEvent(ev timeline.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ev.PackageName + "@" + ev.Version
	if p.eventKey[key] {
		return
	}
	p.eventKey[key] = true
	p.events = append(p.events, ev)
}

// writeTimelineFragment implements the file-based half of spec §6's
// timeline transport: a JSON array of events, written atomically-enough
// for a watching fsnotify.Watcher by writing under a temp name and
// renaming into place. Best-effort: a write failure here never fails the
// request, since the in-memory Timeline() remains authoritative for
// anything running in this same process.
func (p *Proxy) writeTimelineFragment(events []timeline.Event) {
	if p.cfg.TimelineDir == "" {
		return
	}
	data, err := json.Marshal(events)
	if err != nil {
		p.logf("timeline fragment marshal failure: %v", err)
		return
	}

	name := uuid.NewString() + ".json"
	final := filepath.Join(p.cfg.TimelineDir, name)
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logf("timeline fragment write failure: %v", err)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		p.logf("timeline fragment rename failure: %v", err)
	}
}

func (p *Proxy) logf(format string, args ...any) {
	if p.cfg.Verbose {
		log.Printf("pkgbisect: proxy: "+format, args...)
	}
}

// handle is the single entry point for every inbound connection. It
// derives the target host from the leading path segment (host
// classification, spec §4.2 "Request classification"), and rejects the
// request with 502 Bad Gateway when the host is not a configured upstream.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	host, rest, ok := splitHostSegment(r.URL.Path)
	if !ok {
		http.Error(w, "pkgbisect: malformed proxy path, expected /<host>/...", http.StatusBadRequest)
		return
	}

	upstreamBase, known := p.cfg.Upstreams[host]
	if !known {
		// Every request this proxy ever receives was addressed to it by
		// construction (the package manager's registry override literally
		// names one of the configured hosts in its path). An unrecognized
		// host means misconfiguration, not "other traffic to bypass" — the
		// connect-hook design's bypass path has no equivalent here because
		// non-registry traffic never reaches this listener in the first
		// place (see the package doc comment).
		p.logf("rejecting request for unconfigured registry host %q", host)
		http.Error(w, fmt.Sprintf("pkgbisect: unconfigured registry host %q", host), http.StatusBadGateway)
		return
	}

	p.forward(w, r, mustJoin(upstreamBase, rest, r.URL.RawQuery), true)
}

// forward implements spec §4.2 steps 1-8 for a classified registry
// request, or a bare passthrough when rewrite is false.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, upstreamURL string, rewrite bool) {
	// Step 1: fully read the inbound body before doing anything else.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "pkgbisect: failed to read request body", http.StatusBadGateway)
		return
	}
	r.Body.Close()

	originalAccept := r.Header.Get("Accept")
	wantedInstallV1 := strings.Contains(originalAccept, installV1Accept)

	cacheKey := ""
	if p.cache != nil && r.Method == http.MethodGet {
		cacheKey = upstreamURL
		if cached, ok := p.cache.Get(cacheKey); ok {
			p.logf("cache hit: %s", upstreamURL)
			writeResponse(w, cached.status, cached.header, cached.body)
			return
		}
	}

	upstreamHeader := normalizeHeaders(r.Header)

	status, respHeader, respBody, err := p.doUpstream(r.Context(), r.Method, upstreamURL, upstreamHeader, body)
	if err != nil {
		p.logf("upstream error for %s: %v", upstreamURL, err)
		http.Error(w, "pkgbisect: upstream request failed", http.StatusBadGateway)
		return
	}

	if rewrite && isJSON(respHeader.Get("Content-Type")) {
		respHeader, respBody = p.rewriteAndRecord(r.Context(), respBody, respHeader, wantedInstallV1)
	}

	if cacheKey != "" {
		p.cache.Add(cacheKey, cachedResponse{status: status, header: cloneHeader(respHeader), body: respBody})
	}

	writeResponse(w, status, respHeader, respBody)
}

// rewriteAndRecord implements spec §4.2 steps 5-7: parse the JSON body,
// fetch a full-metadata fallback if the compact variant omitted the time
// map, record every (name, version, time) triple, run the rewriter, and
// return the (possibly re-encoded) headers and body.
func (p *Proxy) rewriteAndRecord(ctx context.Context, body []byte, header http.Header, wantedInstallV1 bool) (http.Header, []byte) {
	var doc registry.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		p.logf("parse failure, passing response through unmodified: %v", err)
		return header, body
	}

	if !doc.HasTime() && wantedInstallV1 && doc.Name != "" {
		if fullDoc, ok := p.fetchFullMetadata(ctx, header, doc.Name); ok {
			doc.TimeRaw = fullDoc.TimeRaw
		}
	}

	var observed []timeline.Event
	for v := range doc.TimeRaw {
		if registry.IsReservedTimeKey(v) {
			continue
		}
		if t, ok := doc.ParsedTime(v); ok {
			ev := timeline.Event{PackageName: doc.Name, Version: v, Time: t}
			p.recordEvent(ev)
			observed = append(observed, ev)
		}
	}
	if len(observed) > 0 {
		p.writeTimelineFragment(observed)
	}

	changed := rewriter.Rewrite(&doc, p.cfg.Cutoff)
	if !changed {
		return header, body
	}

	newBody, err := json.Marshal(&doc)
	if err != nil {
		p.logf("re-encode failure, passing response through unmodified: %v", err)
		return header, body
	}

	newHeader := cloneHeader(header)
	newHeader.Set("Content-Length", strconv.Itoa(len(newBody)))
	newHeader.Del("Transfer-Encoding")
	newHeader.Del("Content-Encoding")
	newHeader.Set("Connection", "close")

	return newHeader, newBody
}

// fetchFullMetadata is the compact-variant fallback (spec §4.2 step 5,
// scenario F): reissue the request with Accept coerced to full metadata
// and return its parsed document.
//
// The original request is not available here; the upstream base comes
// from the X-Pkgbisect-Upstream-Base header doUpstream set on the
// response, which holds only the scheme and host of the original
// upstream URL. The fallback URL is that base plus "/" + packageName, so
// a path prefix on the configured upstream is not part of it.
func (p *Proxy) fetchFullMetadata(ctx context.Context, header http.Header, packageName string) (*registry.Document, bool) {
	base := header.Get("X-Pkgbisect-Upstream-Base")
	if base == "" {
		return nil, false
	}
	fallbackURL := strings.TrimRight(base, "/") + "/" + packageName

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fallbackURL, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Accept", fullMetadataAccept)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false
	}

	var doc registry.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false
	}
	return &doc, true
}

// doUpstream issues the upstream request per spec §4.2 step 4. It stashes
// the upstream base into a response header (X-Pkgbisect-Upstream-Base) so
// rewriteAndRecord's compact-variant fallback can re-derive a sibling
// URL without threading extra state through every call.
func (p *Proxy) doUpstream(ctx context.Context, method, upstreamURL string, header http.Header, body []byte) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("do upstream request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("read upstream response: %w", err)
	}

	u, _ := url.Parse(upstreamURL)
	base := ""
	if u != nil {
		base = u.Scheme + "://" + u.Host
	}
	respHeader := cloneHeader(resp.Header)
	respHeader.Set("X-Pkgbisect-Upstream-Base", base)

	return resp.StatusCode, respHeader, respBody, nil
}

// normalizeHeaders implements spec §4.2 step 2: strip Accept-Encoding (so
// the upstream must return an uncompressed body), If-None-Match (so a 304
// can never prevent rewriting), and Connection; coerce a compact-variant
// Accept to the full metadata variant.
func normalizeHeaders(h http.Header) http.Header {
	out := cloneHeader(h)
	out.Del("Accept-Encoding")
	out.Del("If-None-Match")
	out.Del("Connection")
	out.Del("Host")

	if accept := out.Get("Accept"); strings.Contains(accept, installV1Accept) {
		out.Set("Accept", fullMetadataAccept)
	}

	return out
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "json")
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

func writeResponse(w http.ResponseWriter, status int, header http.Header, body []byte) {
	dst := w.Header()
	for k, v := range header {
		if strings.EqualFold(k, "X-Pkgbisect-Upstream-Base") {
			continue
		}
		dst[k] = v
	}
	w.WriteHeader(status)
	w.Write(body)
}

// splitHostSegment splits "/<host>/<rest>" into host and "/"+rest.
func splitHostSegment(path string) (host, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		if trimmed == "" {
			return "", "", false
		}
		return trimmed, "/", true
	}
	host = trimmed[:idx]
	if host == "" {
		return "", "", false
	}
	rest = trimmed[idx:]
	return host, rest, true
}

func mustJoin(base *url.URL, rest, rawQuery string) string {
	if base == nil {
		return ""
	}
	u := *base
	u.Path = strings.TrimRight(u.Path, "/") + rest
	u.RawQuery = rawQuery
	return u.String()
}
