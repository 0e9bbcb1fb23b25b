// Package rewriter replaces every URI in an HLS playlist with an opaque
// segment reference served by the proxy.
package rewriter

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/example/stream-guard/internal/platform/logging"
	"github.com/example/stream-guard/services/hls-proxy/internal/segment"
	"github.com/example/stream-guard/services/hls-proxy/internal/store"
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// Input is one playlist to rewrite.
type Input struct {
	Body string
	// BaseURL is the URL the playlist was fetched from.
	BaseURL string
	// ProxyBase is the public prefix references are built on, without a
	// trailing slash.
	ProxyBase   string
	MasterToken string
}

type Options struct {
	// SegmentTTL is how long references minted by a pass stay valid.
	SegmentTTL time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

type Rewriter struct {
	codec *segment.Codec
	store store.Store
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func New(codec *segment.Codec, s store.Store, opts Options) *Rewriter {
	rw := &Rewriter{codec: codec, store: s, ttl: opts.SegmentTTL, log: opts.Logger, now: opts.Now}
	if rw.ttl <= 0 {
		rw.ttl = segment.DefaultTTL
	}
	if rw.log == nil {
		rw.log = zap.NewNop()
	}
	if rw.now == nil {
		rw.now = time.Now
	}
	return rw
}

type lineResult struct {
	text string
	refs []segment.Reference
}

// Rewrite returns in.Body with every bare URI line and every URI="..."
// attribute replaced by ProxyBase/<token>/<id>. All references of the pass
// are stored in one batch before Rewrite returns.
func (rw *Rewriter) Rewrite(ctx context.Context, in Input) (string, error) {
	base, err := url.Parse(in.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	expiresAt := rw.now().Add(rw.ttl)
	prefix := strings.TrimRight(in.ProxyBase, "/") + "/" + in.MasterToken + "/"

	lines := strings.Split(in.Body, "\n")
	results := make([]lineResult, len(lines))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, line := range lines {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := rw.rewriteLine(line, base, prefix, expiresAt, in.MasterToken)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	fields := make(map[string][]byte)
	out := make([]string, len(results))
	for i, res := range results {
		out[i] = res.text
		for _, ref := range res.refs {
			fields[ref.ID] = []byte(ref.Payload)
		}
	}
	if len(fields) > 0 {
		if err := rw.store.HashSetTTL(ctx, store.SegmentsKey(in.MasterToken), fields, rw.ttl); err != nil {
			return "", fmt.Errorf("store segment references: %w", err)
		}
	}

	if rw.log.Core().Enabled(zapcore.DebugLevel) {
		rw.logVariants(in)
	}
	rw.log.Debug("playlist rewritten",
		logging.Token(in.MasterToken),
		zap.Int("lines", len(lines)),
		zap.Int("references", len(fields)),
	)
	return strings.Join(out, "\n"), nil
}

func (rw *Rewriter) rewriteLine(line string, base *url.URL, prefix string, expiresAt time.Time, token string) (lineResult, error) {
	body, cr := strings.CutSuffix(line, "\r")
	trim := strings.TrimSpace(body)

	if trim == "" {
		return lineResult{text: line}, nil
	}

	if strings.HasPrefix(trim, "#") {
		if !strings.Contains(body, `URI="`) {
			return lineResult{text: line}, nil
		}
		var (
			refs []segment.Reference
			b    strings.Builder
			last int
		)
		for _, m := range uriAttr.FindAllStringSubmatchIndex(body, -1) {
			val := body[m[2]:m[3]]
			target, ok := resolve(base, val)
			if !ok {
				continue
			}
			ref, err := rw.codec.Encode(target, expiresAt, token)
			if err != nil {
				return lineResult{}, err
			}
			refs = append(refs, ref)
			b.WriteString(body[last:m[2]])
			b.WriteString(prefix + ref.ID)
			last = m[3]
		}
		b.WriteString(body[last:])
		return lineResult{text: withCR(b.String(), cr), refs: refs}, nil
	}

	target, ok := resolve(base, trim)
	if !ok {
		return lineResult{text: line}, nil
	}
	ref, err := rw.codec.Encode(target, expiresAt, token)
	if err != nil {
		return lineResult{}, err
	}
	return lineResult{text: withCR(prefix+ref.ID, cr), refs: []segment.Reference{ref}}, nil
}

// resolve applies RFC 3986 reference resolution. Empty values and
// references that do not end up on http(s) are left alone.
func resolve(base *url.URL, ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}
	return abs.String(), true
}

func withCR(s string, cr bool) string {
	if cr {
		return s + "\r"
	}
	return s
}

// logVariants lists the renditions of a master playlist.
func (rw *Rewriter) logVariants(in Input) {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(in.Body), true)
	if err != nil {
		rw.log.Debug("playlist not parseable for variant listing", logging.Token(in.MasterToken), zap.Error(err))
		return
	}
	if listType != m3u8.MASTER {
		return
	}
	master := p.(*m3u8.MasterPlaylist)
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		rw.log.Debug("variant",
			logging.Token(in.MasterToken),
			zap.String("resolution", v.Resolution),
			zap.Uint32("bandwidth", v.Bandwidth),
		)
	}
	rw.log.Debug("master playlist", logging.Token(in.MasterToken), zap.Int("variants", len(master.Variants)))
}
