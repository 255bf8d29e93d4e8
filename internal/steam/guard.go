package steam

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	guardCodeLength = 5
	guardPeriod     = 30
	guardAlphabet   = "23456789BCDFGHJKMNPQRTVWXY"
)

// ErrEmptySharedSecret is returned when no shared secret is configured.
var ErrEmptySharedSecret = errors.New("shared secret is empty")

// GenerateGuardCode derives the mobile authenticator code for sharedSecret
// (base64, as exported by authenticator tools) at time t. Codes rotate
// every 30 seconds.
func GenerateGuardCode(sharedSecret string, t time.Time) (string, error) {
	sharedSecret = strings.TrimSpace(sharedSecret)
	if sharedSecret == "" {
		return "", ErrEmptySharedSecret
	}
	key, err := base64.StdEncoding.DecodeString(sharedSecret)
	if err != nil {
		return "", fmt.Errorf("decode shared secret: %w", err)
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(t.Unix()/guardPeriod))

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	full := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	code := make([]byte, guardCodeLength)
	for i := range code {
		code[i] = guardAlphabet[full%uint32(len(guardAlphabet))]
		full /= uint32(len(guardAlphabet))
	}
	return string(code), nil
}
