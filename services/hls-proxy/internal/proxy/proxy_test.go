package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/example/stream-guard/internal/platform/audit"
	"github.com/example/stream-guard/internal/platform/httpserver"
	"github.com/example/stream-guard/services/hls-proxy/internal/origin"
	"github.com/example/stream-guard/services/hls-proxy/internal/ratelimit"
	"github.com/example/stream-guard/services/hls-proxy/internal/rewriter"
	"github.com/example/stream-guard/services/hls-proxy/internal/segment"
	"github.com/example/stream-guard/services/hls-proxy/internal/store"
	"github.com/example/stream-guard/services/hls-proxy/internal/tokens"
	"github.com/example/stream-guard/services/hls-proxy/internal/validator"
)

const (
	publicBase = "https://proxy.example"
	masterURL  = "https://cdn.example/movie/master.m3u8"
	referer    = "https://origin.example"
	browserUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	viewerAddr = "203.0.113.7"
)

const masterBody = "#EXTM3U\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\n" +
	"720p/index.m3u8\n"

const mediaBody = "#EXTM3U\n" +
	"#EXT-X-VERSION:3\n" +
	"#EXT-X-TARGETDURATION:6\n" +
	`#EXT-X-KEY:METHOD=AES-128,URI="key.bin"` + "\n" +
	"#EXTINF:6.0,\n" +
	"seg0.ts\n" +
	"#EXT-X-ENDLIST\n"

var segmentBytes = bytes.Repeat([]byte{0x47, 0x40, 0x11, 0x10}, 64)

var refPattern = regexp.MustCompile(regexp.QuoteMeta(publicBase) + `(/[a-f0-9]{64}/[a-f0-9]{12,20})`)

// ─── fixture ─────────────────────────────────────────────────────────────────

type recordingAuditor struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAuditor) Publish(subject, _, _, _ string, _ map[string]any) {
	a.mu.Lock()
	a.events = append(a.events, subject)
	a.mu.Unlock()
}

func (a *recordingAuditor) has(subject string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == subject {
			return true
		}
	}
	return false
}

// cdn is a fake origin reachable under any host name.
type cdn struct {
	srv    *httptest.Server
	mu     sync.Mutex
	hits   map[string]int
	routes map[string]http.HandlerFunc
}

func newCDN(t *testing.T) *cdn {
	t.Helper()
	c := &cdn{hits: map[string]int{}}
	c.routes = map[string]http.HandlerFunc{
		"/movie/master.m3u8": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			_, _ = io.WriteString(w, masterBody)
		},
		"/movie/720p/index.m3u8": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = io.WriteString(w, mediaBody)
		},
		"/movie/720p/seg0.ts": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "video/mp2t")
			http.ServeContent(w, r, "seg0", time.Time{}, bytes.NewReader(segmentBytes))
		},
		"/movie/720p/key.bin": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte("0123456789abcdef"))
		},
	}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.hits[r.URL.Path]++
		h, ok := c.routes[r.URL.Path]
		c.mu.Unlock()
		if r.Header.Get("Referer") != referer {
			http.Error(w, "hotlink", http.StatusForbidden)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *cdn) hitCount(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func (c *cdn) route(path string, h http.HandlerFunc) {
	c.mu.Lock()
	c.routes[path] = h
	c.mu.Unlock()
}

// redirectTransport sends every request to the fake origin, keeping the path.
// Responses report the original request, as if DNS had pointed the origin
// host at the fake.
type redirectTransport struct{ target *url.URL }

func (rt redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	resp, err := http.DefaultTransport.RoundTrip(out)
	if resp != nil {
		resp.Request = req
	}
	return resp, err
}

type fixture struct {
	mem     *store.Memory
	cdn     *cdn
	tokens  *tokens.Manager
	audit   *recordingAuditor
	handler *Handler
	router  chi.Router
}

type fixtureOptions struct {
	rate          ratelimit.Config
	validation    validator.Mode
	originTimeout time.Duration
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	c := newCDN(t)
	mem := store.NewMemory()

	codec, err := segment.NewCodec(mem, segment.Options{})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if opts.originTimeout == 0 {
		opts.originTimeout = 2 * time.Second
	}
	oc := origin.New(origin.Config{Timeout: opts.originTimeout}, nil)
	target, _ := url.Parse(c.srv.URL)
	oc.HTTPClient.Transport = redirectTransport{target: target}

	mgr := tokens.NewManager(mem, tokens.Options{Binding: tokens.Binding{Address: true, Agent: true}})
	aud := &recordingAuditor{}
	h := New(Deps{
		Tokens:    mgr,
		Rewriter:  rewriter.New(codec, mem, rewriter.Options{}),
		Codec:     codec,
		Limiter:   ratelimit.New(mem, opts.rate, nil),
		Validator: validator.New(opts.validation, nil),
		Origin:    oc,
		Audit:     aud,
	}, Config{PublicBaseURL: publicBase})

	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	h.Routes(r)
	return &fixture{mem: mem, cdn: c, tokens: mgr, audit: aud, handler: h, router: r}
}

func (f *fixture) issue(t *testing.T, src string, c tokens.Client) string {
	t.Helper()
	iss, err := f.tokens.Issue(t.Context(), tokens.Source{OriginURL: src, Headers: map[string]string{"Referer": referer}}, c)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return iss.Token
}

func (f *fixture) get(path, agent, addr string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("User-Agent", agent)
	req.RemoteAddr = addr + ":51234"
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

var viewer = tokens.Client{Address: viewerAddr, Agent: browserUA}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %q", rec.Body.String())
	}
	return body.Error.Code
}

// refs returns the proxy paths referenced by a rewritten playlist.
func refs(body string) []string {
	var out []string
	for _, m := range refPattern.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

// ─── end to end ──────────────────────────────────────────────────────────────

func TestEndToEnd_OriginNeverExposed(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	token := f.issue(t, masterURL, viewer)

	master := f.get("/"+token, browserUA, viewerAddr, nil)
	if master.Code != http.StatusOK {
		t.Fatalf("master status = %d: %s", master.Code, master.Body.String())
	}
	if ct := master.Header().Get("Content-Type"); ct != PlaylistContentType {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := master.Header().Get("Cache-Control"); cc != PlaylistCache {
		t.Fatalf("Cache-Control = %q", cc)
	}
	assertOpaque(t, master.Body.String())
	if !strings.Contains(master.Body.String(), "RESOLUTION=1280x720") {
		t.Fatalf("variant attributes lost: %q", master.Body.String())
	}

	variants := refs(master.Body.String())
	if len(variants) != 1 {
		t.Fatalf("expected one variant reference, got %v", variants)
	}

	media := f.get(variants[0], browserUA, viewerAddr, nil)
	if media.Code != http.StatusOK {
		t.Fatalf("media status = %d: %s", media.Code, media.Body.String())
	}
	if ct := media.Header().Get("Content-Type"); ct != PlaylistContentType {
		t.Fatalf("nested playlist should be rewritten, Content-Type = %q", ct)
	}
	assertOpaque(t, media.Body.String())

	mrefs := refs(media.Body.String())
	if len(mrefs) != 2 {
		t.Fatalf("expected key and segment references, got %v", mrefs)
	}
	keyLine := strings.Split(media.Body.String(), "\n")[3]
	if !strings.HasPrefix(keyLine, `#EXT-X-KEY:METHOD=AES-128,URI="`+publicBase+"/"+token+"/") {
		t.Fatalf("key line not rewritten in place: %q", keyLine)
	}

	key := f.get(mrefs[0], browserUA, viewerAddr, nil)
	if key.Code != http.StatusOK || key.Body.String() != "0123456789abcdef" {
		t.Fatalf("key fetch = %d %q", key.Code, key.Body.String())
	}

	seg := f.get(mrefs[1], browserUA, viewerAddr, nil)
	if seg.Code != http.StatusOK {
		t.Fatalf("segment status = %d: %s", seg.Code, seg.Body.String())
	}
	if !bytes.Equal(seg.Body.Bytes(), segmentBytes) {
		t.Fatal("segment bytes differ from origin")
	}
	if seg.Header().Get("Cache-Control") != SegmentCache || seg.Header().Get("Accept-Ranges") != "bytes" {
		t.Fatalf("segment cache headers wrong: %v", seg.Header())
	}
	if seg.Header().Get("Content-Type") != "video/mp2t" {
		t.Fatalf("segment Content-Type = %q", seg.Header().Get("Content-Type"))
	}

	for _, p := range []string{"/movie/master.m3u8", "/movie/720p/index.m3u8", "/movie/720p/key.bin", "/movie/720p/seg0.ts"} {
		if f.cdn.hitCount(p) != 1 {
			t.Fatalf("origin path %s fetched %d times", p, f.cdn.hitCount(p))
		}
	}
}

func TestEndToEnd_MasterWithKey(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "key before variant",
			body: "#EXTM3U\n" +
				`#EXT-X-KEY:METHOD=AES-128,URI="key.bin"` + "\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\n" +
				"720p/index.m3u8\n",
			want: []string{"https://cdn.example/movie/key.bin", "https://cdn.example/movie/720p/index.m3u8"},
		},
		{
			name: "variant before key",
			body: "#EXTM3U\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\n" +
				"720p/index.m3u8\n" +
				`#EXT-X-KEY:METHOD=AES-128,URI="key.bin"` + "\n",
			want: []string{"https://cdn.example/movie/720p/index.m3u8", "https://cdn.example/movie/key.bin"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			f.cdn.route("/movie/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
				_, _ = io.WriteString(w, tt.body)
			})
			f.cdn.route("/movie/key.bin", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("fedcba9876543210"))
			})
			token := f.issue(t, masterURL, viewer)

			rec := f.get("/"+token, browserUA, viewerAddr, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
			}
			body := rec.Body.String()
			assertOpaque(t, body)
			if !regexp.MustCompile(`#EXT-X-KEY:METHOD=AES-128,URI="` + refPattern.String() + `"`).MatchString(body) {
				t.Fatalf("key attribute not rewritten in place:\n%s", body)
			}

			got := refs(body)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d references, got %v", len(tt.want), got)
			}
			for i, ref := range got {
				if u := f.target(t, token, ref); u != tt.want[i] {
					t.Fatalf("reference %d resolves to %q, want %q", i, u, tt.want[i])
				}
			}
			if n := f.cdn.hitCount("/movie/master.m3u8"); n != 1 {
				t.Fatalf("master fetched %d times", n)
			}
		})
	}
}

// target decodes a proxy path back to the origin URL it stands for.
func (f *fixture) target(t *testing.T, token, path string) string {
	t.Helper()
	id := path[strings.LastIndex(path, "/")+1:]
	tg, err := f.handler.codec.Decode(t.Context(), id, token)
	if err != nil {
		t.Fatalf("Decode(%s): %v", id, err)
	}
	return tg.URL
}

func assertOpaque(t *testing.T, body string) {
	t.Helper()
	for _, leak := range []string{"cdn.example", ".m3u8", ".ts", "key.bin", referer, "127.0.0.1"} {
		if strings.Contains(body, leak) {
			t.Fatalf("playlist leaks %q:\n%s", leak, body)
		}
	}
	if exposed := validator.Scan(body); len(exposed) != 0 {
		t.Fatalf("playlist has non-opaque uris: %v", exposed)
	}
}

// ─── master lookup ───────────────────────────────────────────────────────────

func TestPlaylist_UnknownToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	for _, tok := range []string{"nope", strings.Repeat("a", 64)} {
		rec := f.get("/"+tok, browserUA, viewerAddr, nil)
		if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
			t.Fatalf("GET /%s = %d %s", tok, rec.Code, rec.Body.String())
		}
	}
	if !f.audit.has(audit.SubjectStreamDenied) {
		t.Fatal("denied lookup should be audited")
	}
	if f.cdn.hitCount("/movie/master.m3u8") != 0 {
		t.Fatal("origin must not be contacted")
	}
}

func TestPlaylist_BindingMismatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	token := f.issue(t, masterURL, viewer)

	if rec := f.get("/"+token, browserUA, "198.51.100.9", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other address: status = %d", rec.Code)
	}
	if rec := f.get("/"+token, "Mozilla/5.0 Other", viewerAddr, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("other agent: status = %d", rec.Code)
	}
}

func TestPlaylist_NonPlaylistRefused(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	token := f.issue(t, "https://cdn.example/movie/720p/seg0.ts", viewer)
	rec := f.get("/"+token, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusBadGateway || errorCode(t, rec) != "UPSTREAM_FAILED" {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") == SegmentCache {
		t.Fatal("refused master must not carry immutable caching")
	}
	if bytes.Contains(rec.Body.Bytes(), segmentBytes[:8]) {
		t.Fatal("origin bytes leaked into the error response")
	}
}

func TestPlaylist_UnlabelledPlaylistWithLeadingBlankLines(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.cdn.route("/live/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, strings.Repeat("\r\n", 40)+"#EXTM3U\n#EXTINF:4,\nseg.ts\n")
	})
	token := f.issue(t, "https://cdn.example/live/stream", viewer)

	rec := f.get("/"+token, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != PlaylistContentType {
		t.Fatalf("status = %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}
	assertOpaque(t, rec.Body.String())
	if n := len(refs(rec.Body.String())); n != 1 {
		t.Fatalf("expected one reference, got %d", n)
	}
}

func TestPlaylist_ResolvesAgainstRedirectTarget(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.cdn.route("/old/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/movie/master.m3u8", http.StatusFound)
	})
	token := f.issue(t, "https://cdn.example/old/master.m3u8", viewer)

	rec := f.get("/"+token, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	variants := refs(rec.Body.String())
	if len(variants) != 1 {
		t.Fatalf("expected one variant, got %v", variants)
	}
	if got := f.target(t, token, variants[0]); got != "https://cdn.example/movie/720p/index.m3u8" {
		t.Fatalf("variant resolved to %q", got)
	}
	if media := f.get(variants[0], browserUA, viewerAddr, nil); media.Code != http.StatusOK {
		t.Fatalf("variant fetch = %d", media.Code)
	}
}

func TestPlaylist_RejectedWhenExposing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.cdn.route("/bad.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:4,\nseg%zz.ts\n")
	})
	token := f.issue(t, "https://cdn.example/bad.m3u8", viewer)

	rec := f.get("/"+token, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusInternalServerError || errorCode(t, rec) != "PLAYLIST_REJECTED" {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "seg") {
		t.Fatalf("rejection must not echo the playlist: %s", rec.Body.String())
	}
	if !f.audit.has(audit.SubjectPlaylistExposure) {
		t.Fatal("rejection should be audited")
	}
}

func TestPlaylist_SanitizeMode(t *testing.T) {
	f := newFixture(t, fixtureOptions{validation: validator.Sanitize})
	f.cdn.route("/bad.m3u8", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "#EXTM3U\n#EXTINF:4,\nseg%zz.ts\n#EXTINF:4,\ngood.ts\n")
	})
	token := f.issue(t, "https://cdn.example/bad.m3u8", viewer)

	rec := f.get("/"+token, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "seg%zz") || len(refs(rec.Body.String())) != 1 {
		t.Fatalf("unexpected sanitized body: %q", rec.Body.String())
	}
}

// ─── segment path ────────────────────────────────────────────────────────────

func mediaRefs(t *testing.T, f *fixture, token string, c tokens.Client) []string {
	t.Helper()
	master := f.get("/"+token, c.Agent, c.Address, nil)
	variants := refs(master.Body.String())
	if len(variants) == 0 {
		t.Fatalf("no variants in %q", master.Body.String())
	}
	media := f.get(variants[0], c.Agent, c.Address, nil)
	out := refs(media.Body.String())
	if len(out) != 2 {
		t.Fatalf("expected two media references, got %q", media.Body.String())
	}
	return out
}

func TestSegment_AutomatedClientRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	bot := tokens.Client{Address: viewerAddr, Agent: "yt-dlp/2024.03.10"}
	token := f.issue(t, masterURL, bot)

	// The playlist path does not screen agents.
	master := f.get("/"+token, bot.Agent, bot.Address, nil)
	if master.Code != http.StatusOK {
		t.Fatalf("master status = %d", master.Code)
	}
	ref := refs(master.Body.String())[0]

	rec := f.get(ref, bot.Agent, bot.Address, nil)
	if rec.Code != http.StatusForbidden || errorCode(t, rec) != "AUTOMATED_CLIENT" {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if f.cdn.hitCount("/movie/720p/index.m3u8") != 0 {
		t.Fatal("origin must not be contacted for automated clients")
	}
	if !f.audit.has(audit.SubjectSegmentAutomated) {
		t.Fatal("automated client should be audited")
	}
}

func TestSegment_RateLimited(t *testing.T) {
	f := newFixture(t, fixtureOptions{rate: ratelimit.Config{BurstLimit: 3, BurstWindow: time.Minute, SustainedLimit: 100, SustainedWindow: time.Hour}})
	token := f.issue(t, masterURL, viewer)
	refsList := mediaRefs(t, f, token, viewer) // consumes one segment-path request
	seg := refsList[1]

	for i := 0; i < 2; i++ {
		if rec := f.get(seg, browserUA, viewerAddr, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	rec := f.get(seg, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusTooManyRequests || errorCode(t, rec) != "RATE_LIMITED" {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), ratelimit.ReasonBurst) {
		t.Fatalf("reason missing from body: %s", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After should be set")
	}
	if n := f.cdn.hitCount("/movie/720p/seg0.ts"); n != 2 {
		t.Fatalf("denied request must not reach origin, hits=%d", n)
	}
	if !f.audit.has(audit.SubjectSegmentRateLimit) {
		t.Fatal("rate limiting should be audited")
	}
}

func TestSegment_UnknownReference(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	token := f.issue(t, masterURL, viewer)

	for _, id := range []string{"0123456789abcdef", "not-an-id"} {
		rec := f.get("/"+token+"/"+id, browserUA, viewerAddr, nil)
		if rec.Code != http.StatusNotFound || errorCode(t, rec) != "NOT_FOUND" {
			t.Fatalf("GET %s = %d %s", id, rec.Code, rec.Body.String())
		}
	}
	if !f.audit.has(audit.SubjectSegmentDecodeFail) {
		t.Fatal("decode failure should be audited")
	}
}

func TestSegment_ReferenceUnderOtherToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	tokenA := f.issue(t, masterURL, viewer)
	tokenB := f.issue(t, masterURL, viewer)
	ref := refs(f.get("/"+tokenA, browserUA, viewerAddr, nil).Body.String())[0]
	id := ref[strings.LastIndex(ref, "/")+1:]

	rec := f.get("/"+tokenB+"/"+id, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("reference replayed under another token: status = %d", rec.Code)
	}
}

func TestSegment_RangeForwarded(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	token := f.issue(t, masterURL, viewer)
	seg := mediaRefs(t, f, token, viewer)[1]

	rec := f.get(seg, browserUA, viewerAddr, map[string]string{"Range": "bytes=0-3"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 0-3/256" {
		t.Fatalf("Content-Range = %q", cr)
	}
	if rec.Header().Get("Content-Length") != "4" || !bytes.Equal(rec.Body.Bytes(), segmentBytes[:4]) {
		t.Fatalf("partial body wrong: %v %q", rec.Header(), rec.Body.Bytes())
	}
}

// ─── upstream failures ───────────────────────────────────────────────────────

func TestUpstream_ErrorsMapped(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int
		code   string
	}{
		{"client error mirrored", http.StatusGone, http.StatusGone, "UPSTREAM_REJECTED"},
		{"server error", http.StatusInternalServerError, http.StatusBadGateway, "UPSTREAM_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOptions{})
			f.cdn.route("/err.m3u8", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			token := f.issue(t, "https://cdn.example/err.m3u8", viewer)
			rec := f.get("/"+token, browserUA, viewerAddr, nil)
			if rec.Code != tt.want || errorCode(t, rec) != tt.code {
				t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestUpstream_Timeout(t *testing.T) {
	f := newFixture(t, fixtureOptions{originTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	f.cdn.route("/slow.m3u8", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	token := f.issue(t, "https://cdn.example/slow.m3u8", viewer)
	rec := f.get("/"+token, browserUA, viewerAddr, nil)
	if rec.Code != http.StatusGatewayTimeout || errorCode(t, rec) != "UPSTREAM_TIMEOUT" {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
}

// ─── client info ─────────────────────────────────────────────────────────────

func TestClientAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	if got := (&Handler{}).clientAddress(req); got != "10.0.0.5" {
		t.Fatalf("untrusted: got %q", got)
	}
	if got := (&Handler{cfg: Config{TrustProxyHeaders: true}}).clientAddress(req); got != "203.0.113.7" {
		t.Fatalf("trusted: got %q", got)
	}
}

func TestProxyBase(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://internal:8084/x", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "stream.example")

	if got := (&Handler{}).proxyBase(req); got != "http://internal:8084" {
		t.Fatalf("untrusted: got %q", got)
	}
	if got := (&Handler{cfg: Config{TrustProxyHeaders: true}}).proxyBase(req); got != "https://stream.example" {
		t.Fatalf("trusted: got %q", got)
	}
	if got := (&Handler{cfg: Config{PublicBaseURL: "https://cdn.proxy.example/"}}).proxyBase(req); got != "https://cdn.proxy.example" {
		t.Fatalf("configured: got %q", got)
	}
}
