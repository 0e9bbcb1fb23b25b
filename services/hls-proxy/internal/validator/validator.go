// Package validator is the last check before a rewritten playlist leaves the
// proxy: it looks for any URI that is not an opaque reference.
package validator

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/example/stream-guard/internal/platform/logging"
)

type Mode string

const (
	// Strict rejects a playlist that exposes anything.
	Strict Mode = "strict"
	// Permissive logs exposures and serves the playlist unchanged.
	Permissive Mode = "permissive"
	// Sanitize drops offending lines and serves the rest.
	Sanitize Mode = "sanitize"
)

// ParseMode maps a config value to a Mode. Empty means Strict.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Strict, nil
	case Strict, Permissive, Sanitize:
		return m, nil
	default:
		return "", fmt.Errorf("unknown playlist validation mode %q", s)
	}
}

// ErrExposed is returned in strict mode.
var ErrExposed = errors.New("playlist exposes non-opaque uris")

var (
	opaqueAbsolute = regexp.MustCompile(`^https?://[^/]+(/.*)?/[a-f0-9]{64}/[a-f0-9]{12,20}$`)
	opaqueRelative = regexp.MustCompile(`^(.*/)?[a-f0-9]{64}/[a-f0-9]{12,20}$`)
	uriAttr        = regexp.MustCompile(`URI="([^"]*)"`)

	mediaExt = map[string]bool{
		".ts": true, ".m4s": true, ".m3u8": true, ".mp4": true, ".aac": true,
		".key": true, ".vtt": true, ".webvtt": true, ".m4a": true, ".m4v": true,
	}
)

const maxLoggedLen = 100

// Scan returns every URI in body that is not an opaque reference.
func Scan(body string) []string {
	var exposed []string
	for _, line := range strings.Split(body, "\n") {
		exposed = append(exposed, scanLine(line)...)
	}
	return exposed
}

func scanLine(line string) []string {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil
	}
	if !strings.HasPrefix(trim, "#") {
		if Exposed(trim) {
			return []string{trim}
		}
		return nil
	}
	var out []string
	for _, m := range uriAttr.FindAllStringSubmatch(trim, -1) {
		if Exposed(m[1]) {
			out = append(out, m[1])
		}
	}
	return out
}

// Exposed reports whether a single URI value would reveal origin details.
func Exposed(v string) bool {
	if v == "" {
		return false
	}
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return !opaqueAbsolute.MatchString(v)
	}
	if opaqueRelative.MatchString(v) {
		return false
	}
	p := v
	if u, err := url.Parse(v); err == nil {
		if u.Scheme != "" {
			// data:, skd:// and friends carry no origin location.
			return false
		}
		p = u.Path
	}
	return mediaExt[strings.ToLower(path.Ext(p))]
}

type Validator struct {
	mode Mode
	log  *zap.Logger
}

func New(mode Mode, log *zap.Logger) *Validator {
	if mode == "" {
		mode = Strict
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Validator{mode: mode, log: log}
}

func (v *Validator) Mode() Mode { return v.mode }

// Check applies the configured mode to a rewritten playlist. It returns the
// body to serve, or ErrExposed in strict mode.
func (v *Validator) Check(body, masterToken string) (string, error) {
	exposed := Scan(body)
	if len(exposed) == 0 {
		return body, nil
	}
	for _, u := range exposed {
		v.log.Warn("playlist exposes uri",
			logging.Token(masterToken),
			zap.String("mode", string(v.mode)),
			zap.String("uri", truncate(u)),
		)
	}
	switch v.mode {
	case Permissive:
		return body, nil
	case Sanitize:
		return sanitize(body), nil
	default:
		return "", fmt.Errorf("%w: %d found", ErrExposed, len(exposed))
	}
}

func sanitize(body string) string {
	lines := strings.Split(body, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if len(scanLine(line)) == 0 {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func truncate(s string) string {
	if len(s) <= maxLoggedLen {
		return s
	}
	return s[:maxLoggedLen] + "..."
}
