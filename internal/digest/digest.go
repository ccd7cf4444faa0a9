// Package digest définit les identités binaires manipulées par le moteur de
// téléchargement : SHA-1, racine TTH et GUID de fichier.
package digest

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	SHA1Size = 20
	TTHSize  = 24
	GUIDSize = 16
)

var (
	ErrBadLength   = errors.New("digest has wrong length")
	ErrBadEncoding = errors.New("digest is not correctly encoded")
)

// Alphabet base32 RFC 4648 sans padding, comme les URN Gnutella.
var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

type (
	SHA1 [SHA1Size]byte
	TTH  [TTHSize]byte
	GUID [GUIDSize]byte
)

// NewGUID tire un identifiant aléatoire de 128 bits.
func NewGUID() GUID {
	return GUID(uuid.New())
}

func (s SHA1) String() string { return b32.EncodeToString(s[:]) }
func (t TTH) String() string  { return b32.EncodeToString(t[:]) }
func (g GUID) String() string { return strings.ToUpper(hex.EncodeToString(g[:])) }

// URN renvoie la forme "urn:sha1:<base32>".
func (s SHA1) URN() string { return "urn:sha1:" + s.String() }

func (g GUID) IsZero() bool { return g == GUID{} }

func ParseSHA1(s string) (SHA1, error) {
	var d SHA1
	err := decodeBase32(d[:], s)
	return d, err
}

func ParseTTH(s string) (TTH, error) {
	var d TTH
	err := decodeBase32(d[:], s)
	return d, err
}

func ParseGUID(s string) (GUID, error) {
	var g GUID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return g, fmt.Errorf("%w: guid %q: %v", ErrBadEncoding, s, err)
	}
	if len(raw) != GUIDSize {
		return g, fmt.Errorf("%w: guid has %d bytes", ErrBadLength, len(raw))
	}
	copy(g[:], raw)
	return g, nil
}

func decodeBase32(dst []byte, s string) error {
	s = strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), "="))
	raw, err := b32.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBadEncoding, s, err)
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrBadLength, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}

// SHA1FromBytes copie b si sa taille est exacte.
func SHA1FromBytes(b []byte) (SHA1, bool) {
	var d SHA1
	if len(b) != SHA1Size {
		return d, false
	}
	copy(d[:], b)
	return d, true
}

func TTHFromBytes(b []byte) (TTH, bool) {
	var d TTH
	if len(b) != TTHSize {
		return d, false
	}
	copy(d[:], b)
	return d, true
}

func GUIDFromBytes(b []byte) (GUID, bool) {
	var g GUID
	if len(b) != GUIDSize {
		return g, false
	}
	copy(g[:], b)
	return g, true
}

func (s SHA1) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
func (t TTH) MarshalText() ([]byte, error)  { return []byte(t.String()), nil }
func (g GUID) MarshalText() ([]byte, error) { return []byte(g.String()), nil }

func (s *SHA1) UnmarshalText(b []byte) (err error) {
	*s, err = ParseSHA1(string(b))
	return err
}

func (t *TTH) UnmarshalText(b []byte) (err error) {
	*t, err = ParseTTH(string(b))
	return err
}

func (g *GUID) UnmarshalText(b []byte) (err error) {
	*g, err = ParseGUID(string(b))
	return err
}
