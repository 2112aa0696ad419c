package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/tavolohq/edgegate/internal/xerrors"
)

// codecAAD binds ciphertexts to this cookie format. Bumping the version
// invalidates every outstanding session cookie.
var codecAAD = []byte("edgegate.session.v1")

// ErrBadCookie is returned for cookies that fail to decode or authenticate.
// The cause is deliberately not distinguished: a tampered cookie and a
// truncated one get the same answer.
var ErrBadCookie = errors.New("session: invalid cookie")

// codec seals session records into cookie values with XChaCha20-Poly1305.
// The AEAD tag covers integrity, so there is no separate MAC step.
type codec struct {
	key [32]byte
}

func newCodec(secret []byte) *codec {
	// fixed-size key derived from the configured secret, whatever its length
	return &codec{key: sha256.Sum256(secret)}
}

func (c *codec) seal(rec *Record) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return "", xerrors.Wrap(err, "session aead")
	}

	plain, err := json.Marshal(rec)
	if err != nil {
		return "", xerrors.Wrap(err, "session encode")
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", xerrors.Wrap(err, "session nonce")
	}

	sealed := aead.Seal(nonce, nonce, plain, codecAAD)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (c *codec) open(value string) (*Record, error) {
	aead, err := chacha20poly1305.NewX(c.key[:])
	if err != nil {
		return nil, xerrors.Wrap(err, "session aead")
	}

	sealed, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, ErrBadCookie
	}

	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, codecAAD)
	if err != nil {
		return nil, ErrBadCookie
	}

	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, ErrBadCookie
	}
	return &rec, nil
}
