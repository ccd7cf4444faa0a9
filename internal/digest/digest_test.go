package digest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSHA1Base32(t *testing.T) {
	var s SHA1
	for i := range s {
		s[i] = byte(i * 7)
	}
	enc := s.String()
	assert.Len(t, enc, 32)

	back, err := ParseSHA1(enc)
	require.NoError(t, err)
	assert.Equal(t, s, back)

	// Lowercase input with surrounding spaces is accepted.
	back, err = ParseSHA1("  " + strings.ToLower(enc) + " ")
	require.NoError(t, err)
	assert.Equal(t, s, back)
	assert.Equal(t, "urn:sha1:"+enc, s.URN())
}

func TestTTHBase32(t *testing.T) {
	var d TTH
	d[0], d[23] = 0xff, 0x01
	back, err := ParseTTH(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, back)

	_, err = ParseTTH("AAAA")
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestGUID(t *testing.T) {
	g := NewGUID()
	assert.False(t, g.IsZero())
	assert.NotEqual(t, g, NewGUID())

	back, err := ParseGUID(g.String())
	require.NoError(t, err)
	assert.Equal(t, g, back)

	_, err = ParseGUID("zz")
	assert.ErrorIs(t, err, ErrBadEncoding)
	_, err = ParseGUID("00ff")
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestFromBytes(t *testing.T) {
	_, ok := SHA1FromBytes(make([]byte, 19))
	assert.False(t, ok)
	_, ok = TTHFromBytes(make([]byte, TTHSize))
	assert.True(t, ok)
	_, ok = GUIDFromBytes(nil)
	assert.False(t, ok)
}


func TestTextMarshaling(t *testing.T) {
	type doc struct {
		GUID GUID  `json:"guid"`
		SHA1 *SHA1 `json:"sha1,omitempty"`
		TTH  *TTH  `json:"tth,omitempty"`
	}
	sha := SHA1{1}
	in := doc{GUID: NewGUID(), SHA1: &sha}

	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"guid":"`+in.GUID.String()+`"`)

	var out doc
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in.GUID, out.GUID)
	assert.Equal(t, sha, *out.SHA1)
	assert.Nil(t, out.TTH)

	assert.Error(t, json.Unmarshal([]byte(`{"guid":"xyz"}`), &out))
}
