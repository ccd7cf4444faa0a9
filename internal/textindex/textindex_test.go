package textindex

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"swarmd/internal/chunklist"
	"swarmd/internal/digest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestEncodeDecode(t *testing.T) {
	sha := digest.SHA1{0xde, 0xad}
	tth := digest.TTH{0xbe, 0xef}
	in := []Entry{
		{
			Name:       "song.ogg",
			Dir:        "/data/incoming",
			GUID:       digest.NewGUID(),
			Generation: 12,
			Aliases:    []string{"Song.ogg", "urn:sha1:AAAA"},
			SHA1:       &sha,
			TTH:        &tth,
			Size:       1000,
			SizeKnown:  true,
			Paused:     true,
			Done:       400,
			Stamp:      time.Unix(1_700_000_100, 0),
			Created:    time.Unix(1_700_000_000, 0),
			NTime:      time.Unix(1_700_000_050, 0),
			Swarming:   true,
			Chunks: []chunklist.Chunk{
				{From: 0, To: 400, Status: chunklist.Done},
				{From: 400, To: 600, Status: chunklist.Busy, Owner: 3},
				{From: 600, To: 1000, Status: chunklist.Empty},
			},
			RefCount: 2,
		},
		{Name: "other.bin", Dir: "/data/incoming", GUID: digest.NewGUID()},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, in))
	text := buf.String()
	assert.True(t, strings.HasPrefix(text, "#"))
	assert.Contains(t, text, "# refcount 2\n")
	assert.Contains(t, text, "CHNK 400 600 1\n")
	assert.NotContains(t, text, "urn:sha1", "URN aliases are never written")

	out, err := Decode(&buf, testLogger())
	require.NoError(t, err)
	require.Len(t, out, 2)

	got := out[0]
	assert.Equal(t, "/data/incoming/song.ogg", got.Path())
	assert.Equal(t, in[0].GUID, got.GUID)
	assert.Equal(t, uint32(12), got.Generation)
	assert.Equal(t, []string{"Song.ogg"}, got.Aliases)
	assert.Equal(t, sha, *got.SHA1)
	assert.Equal(t, tth, *got.TTH)
	assert.Nil(t, got.CHA1)
	assert.Equal(t, uint64(1000), got.Size)
	assert.True(t, got.SizeKnown)
	assert.True(t, got.Paused)
	assert.Equal(t, uint64(400), got.Done)
	assert.Equal(t, in[0].Stamp, got.Stamp)
	assert.Equal(t, in[0].Created, got.Created)
	assert.Equal(t, in[0].NTime, got.NTime)
	assert.True(t, got.Swarming)
	assert.Equal(t, []chunklist.Chunk{
		{From: 0, To: 400, Status: chunklist.Done},
		{From: 400, To: 600, Status: chunklist.Empty},
		{From: 600, To: 1000, Status: chunklist.Empty},
	}, got.Chunks)

	assert.Equal(t, "other.bin", out[1].Name)
	assert.True(t, out[1].Stamp.IsZero())
	assert.False(t, out[1].Swarming)
}

func TestDecode_SkipsDamagedLinesAndIncompleteStanzas(t *testing.T) {
	g := digest.NewGUID()
	input := strings.Join([]string{
		"# comment",
		"NAME a.bin",
		"PATH /tmp",
		"GUID " + g.String(),
		"SIZE notanumber",
		"CHNK 0 10",
		"CHNK 0 10 7",
		"BOGUS tag",
		"SHA1 !!!",
		"CHNK 0 100 2",
		"SIZE 100",
		"",
		"NAME orphan.bin",
		"SIZE 5",
		"",
		"PATH /tmp",
		"NAME " + strings.Repeat("x", MaxLineLen*2),
		"NAME last.bin",
		"SIZE 1",
	}, "\n")

	out, err := Decode(strings.NewReader(input), testLogger())
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "a.bin", out[0].Name)
	assert.Equal(t, g, out[0].GUID)
	assert.Equal(t, uint64(100), out[0].Size)
	assert.Nil(t, out[0].SHA1)
	assert.Equal(t, []chunklist.Chunk{{From: 0, To: 100, Status: chunklist.Done}}, out[0].Chunks)

	// The over-long line is dropped; the stanza still completes at EOF.
	assert.Equal(t, "last.bin", out[1].Name)
	assert.Equal(t, "/tmp", out[1].Dir)
}

func TestLooksLikeURN(t *testing.T) {
	assert.True(t, LooksLikeURN("urn:sha1:ABC"))
	assert.True(t, LooksLikeURN("URN:bitprint:x"))
	assert.False(t, LooksLikeURN("my urn.txt"))
}
