// Package auth validates client credentials on connection setup.
// Clients prove possession of a secret key by signing the request date
// with HMAC-SHA256; the router never sees the secret itself.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/mulgadc/queryroute/wire"
)

const (
	// TimeFormat is the timestamp form carried in the signed date header.
	TimeFormat = "20060102T150405Z"

	// scheme is mixed into the signing key so signatures cannot be
	// replayed against other protocols sharing the same secrets.
	scheme = "QR1"

	// maxClockSkew bounds how stale a signed date may be.
	maxClockSkew = 15 * time.Minute
)

// Identity is the authenticated principal attached to a session.
type Identity struct {
	AccessKeyID string
	DisplayName string
}

// Credential is one configured access key pair.
type Credential struct {
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	DisplayName     string `toml:"display_name"`
}

// Authenticator validates presented credentials and returns the caller's
// identity.
type Authenticator interface {
	Validate(accessKey, date, signature string) (Identity, error)
}

// HmacSHA256 returns the HMAC-SHA256 of data using the given key
func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// HmacSHA256Hex returns the hex-encoded HMAC-SHA256 of data using the given key
func HmacSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(HmacSHA256(key, data))
}

// Sign computes the signature a client sends for the given date string.
func Sign(secret, date string) string {
	return HmacSHA256Hex([]byte(scheme+secret), date)
}

// Static authenticates against a fixed credential table from config.
type Static struct {
	creds map[string]Credential
	now   func() time.Time
}

func NewStatic(creds []Credential) *Static {
	m := make(map[string]Credential, len(creds))
	for _, c := range creds {
		m[c.AccessKeyID] = c
	}
	return &Static{creds: m, now: time.Now}
}

// Validate checks the access key, the date freshness and the signature.
// All failures collapse to AuthenticationFailed so probes cannot tell a
// bad key from a bad signature.
func (a *Static) Validate(accessKey, date, signature string) (Identity, error) {
	cred, ok := a.creds[accessKey]
	if !ok {
		return Identity{}, wire.ErrAuthenticationFailed
	}

	ts, err := time.Parse(TimeFormat, date)
	if err != nil {
		return Identity{}, wire.ErrAuthenticationFailed
	}
	skew := a.now().Sub(ts)
	if skew < -maxClockSkew || skew > maxClockSkew {
		return Identity{}, wire.ErrAuthenticationFailed
	}

	expected := Sign(cred.SecretAccessKey, date)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return Identity{}, wire.ErrAuthenticationFailed
	}

	return Identity{
		AccessKeyID: cred.AccessKeyID,
		DisplayName: cred.DisplayName,
	}, nil
}
