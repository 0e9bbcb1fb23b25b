// Package segment encodes origin URLs into opaque, short-lived references
// scoped to a master token, and decodes them back.
//
// A reference is a random short ID plus a payload stored under the master
// token's segment hash. The payload is AES-256-GCM sealed with a key derived
// from the master token, so a payload copied under another token never opens.
package segment

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cristalhq/base64"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/stream-guard/internal/platform/logging"
	"github.com/example/stream-guard/services/hls-proxy/internal/store"
)

const (
	nonceSize  = 12
	minIDLen   = 12
	maxIDLen   = 20
	maxPadding = 31

	DefaultTTL          = 3 * time.Hour
	DefaultKeyCacheSize = 4096

	fieldURL       protowire.Number = 1
	fieldExpiresAt protowire.Number = 2
	fieldPadding   protowire.Number = 3
)

// ErrDecode is the only error Decode returns. Callers cannot tell which step
// failed.
var ErrDecode = errors.New("segment reference invalid")

// Reference is one encoded segment: the short ID placed in the playlist and
// the payload stored for it.
type Reference struct {
	ID      string
	Payload string
}

// Target is a decoded reference.
type Target struct {
	URL       string
	ExpiresAt time.Time
}

type Options struct {
	// SingleUse makes every reference decodable once.
	SingleUse bool
	// UsedTTL bounds how long single-use claims are kept.
	UsedTTL      time.Duration
	KeyCacheSize int
	Logger       *zap.Logger
	Now          func() time.Time
}

type Codec struct {
	store     store.Store
	singleUse bool
	usedTTL   time.Duration
	aeads     *expirable.LRU[string, cipher.AEAD]
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	log       *zap.Logger
	now       func() time.Time
}

func NewCodec(s store.Store, opts Options) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<20))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	size := opts.KeyCacheSize
	if size <= 0 {
		size = DefaultKeyCacheSize
	}
	c := &Codec{
		store:     s,
		singleUse: opts.SingleUse,
		usedTTL:   opts.UsedTTL,
		aeads:     expirable.NewLRU[string, cipher.AEAD](size, nil, time.Hour),
		enc:       enc,
		dec:       dec,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if c.usedTTL <= 0 {
		c.usedTTL = DefaultTTL
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Encode seals rawURL for masterToken. The reference is not stored; callers
// batch payloads into one write per playlist.
func (c *Codec) Encode(rawURL string, expiresAt time.Time, masterToken string) (Reference, error) {
	id, err := newID()
	if err != nil {
		return Reference{}, err
	}
	aead, err := c.aead(masterToken)
	if err != nil {
		return Reference{}, err
	}
	pad, err := randomPadding()
	if err != nil {
		return Reference{}, err
	}

	var msg []byte
	msg = protowire.AppendTag(msg, fieldURL, protowire.BytesType)
	msg = protowire.AppendString(msg, rawURL)
	msg = protowire.AppendTag(msg, fieldExpiresAt, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(expiresAt.UnixMilli()))
	msg = protowire.AppendTag(msg, fieldPadding, protowire.BytesType)
	msg = protowire.AppendBytes(msg, pad)

	compressed := c.enc.EncodeAll(msg, nil)

	sealed := make([]byte, nonceSize, nonceSize+len(compressed)+aead.Overhead())
	if _, err := rand.Read(sealed); err != nil {
		return Reference{}, fmt.Errorf("generate nonce: %w", err)
	}
	sealed = aead.Seal(sealed, sealed[:nonceSize], compressed, []byte(id))

	return Reference{ID: id, Payload: base64.RawURLEncoding.EncodeToString(sealed)}, nil
}

// Decode loads and opens the reference id stored under masterToken.
func (c *Codec) Decode(ctx context.Context, id, masterToken string) (Target, error) {
	if !ValidID(id) {
		return Target{}, ErrDecode
	}
	raw, found, err := c.store.HashGet(ctx, store.SegmentsKey(masterToken), id)
	if err != nil {
		c.log.Warn("segment lookup failed", logging.Token(masterToken), zap.Error(err))
		return Target{}, ErrDecode
	}
	if !found {
		return Target{}, ErrDecode
	}
	t, err := c.open(string(raw), id, masterToken)
	if err != nil {
		c.log.Debug("segment payload rejected", logging.Token(masterToken), zap.Error(err))
		return Target{}, ErrDecode
	}
	if !c.now().Before(t.ExpiresAt) {
		return Target{}, ErrDecode
	}
	if c.singleUse {
		claimed, err := c.store.SetNX(ctx, store.SegmentUsedKey(masterToken, id), []byte{1}, c.usedTTL)
		if err != nil || !claimed {
			return Target{}, ErrDecode
		}
	}
	return t, nil
}

func (c *Codec) open(payload, id, masterToken string) (Target, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Target{}, fmt.Errorf("transport decode: %w", err)
	}
	aead, err := c.aead(masterToken)
	if err != nil {
		return Target{}, err
	}
	if len(sealed) < nonceSize+aead.Overhead() {
		return Target{}, errors.New("payload too short")
	}
	compressed, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(id))
	if err != nil {
		return Target{}, fmt.Errorf("open: %w", err)
	}
	msg, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return Target{}, fmt.Errorf("decompress: %w", err)
	}
	return parse(msg)
}

func parse(msg []byte) (Target, error) {
	var (
		t                   Target
		haveURL, haveExpiry bool
	)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return Target{}, protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == fieldURL && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return Target{}, protowire.ParseError(n)
			}
			t.URL, haveURL = v, true
			msg = msg[n:]
		case num == fieldExpiresAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return Target{}, protowire.ParseError(n)
			}
			t.ExpiresAt, haveExpiry = time.UnixMilli(int64(v)), true
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return Target{}, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	if !haveURL || !haveExpiry || t.URL == "" {
		return Target{}, errors.New("payload incomplete")
	}
	return t, nil
}

func (c *Codec) aead(masterToken string) (cipher.AEAD, error) {
	if a, ok := c.aeads.Get(masterToken); ok {
		return a, nil
	}
	key := sha256.Sum256([]byte(masterToken))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	c.aeads.Add(masterToken, a)
	return a, nil
}

// ValidID reports whether s has the shape of a segment short ID.
func ValidID(s string) bool {
	if len(s) < minIDLen || len(s) > maxIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if !(ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'f') {
			return false
		}
	}
	return true
}

func newID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxIDLen-minIDLen+1))
	if err != nil {
		return "", fmt.Errorf("generate id length: %w", err)
	}
	length := minIDLen + int(n.Int64())
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(b)[:length], nil
}

func randomPadding() ([]byte, error) {
	var n [1]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, fmt.Errorf("generate padding: %w", err)
	}
	pad := make([]byte, int(n[0])%(maxPadding+1))
	if _, err := rand.Read(pad); err != nil {
		return nil, fmt.Errorf("generate padding: %w", err)
	}
	return pad, nil
}
