package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"strconv"
)

var ErrInvalidToken = errors.New("invalid peer token")

// TokenGenerator produces the per-peer secret handed out on connect.
type TokenGenerator interface {
	NewToken() (string, error)
}

// RandomTokens generates tokens as two concatenated base-36 strings, each
// rendered from 64 bits of crypto/rand output.
type RandomTokens struct{}

// NewToken returns a fresh token.
func (RandomTokens) NewToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	hi := binary.BigEndian.Uint64(buf[:8])
	lo := binary.BigEndian.Uint64(buf[8:])
	return strconv.FormatUint(hi, 36) + strconv.FormatUint(lo, 36), nil
}

// TokenFunc adapts a plain function to TokenGenerator.
type TokenFunc func() (string, error)

// NewToken calls f.
func (f TokenFunc) NewToken() (string, error) {
	return f()
}

// VerifyToken checks a presented token against the expected one.
// Uses constant-time comparison so response timing does not reveal how
// much of the token matched.
func VerifyToken(expected, presented string) error {
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
