package indexstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"swarmd/internal/chunklist"
	"swarmd/internal/digest"
	"swarmd/internal/textindex"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func sampleEntries() []textindex.Entry {
	sha := digest.SHA1{0xaa, 0xbb}
	return []textindex.Entry{
		{
			Name:       "video.mkv",
			Dir:        "/dl",
			GUID:       digest.NewGUID(),
			Generation: 4,
			Aliases:    []string{"Video.mkv"},
			SHA1:       &sha,
			Size:       2048,
			SizeKnown:  true,
			Done:       1024,
			Created:    time.Unix(1_700_000_000, 0),
			Swarming:   true,
			Chunks: []chunklist.Chunk{
				{From: 0, To: 1024, Status: chunklist.Done},
				{From: 1024, To: 2048, Status: chunklist.Empty},
			},
		},
		{Name: "notes.txt", Dir: "/dl", GUID: digest.NewGUID(), Size: 10, SizeKnown: true,
			Chunks: []chunklist.Chunk{{From: 0, To: 10, Status: chunklist.Empty}}},
	}
}

func byGUID(entries []textindex.Entry) map[digest.GUID]textindex.Entry {
	m := make(map[digest.GUID]textindex.Entry, len(entries))
	for _, e := range entries {
		m[e.GUID] = e
	}
	return m
}

func checkRoundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	in := sampleEntries()
	require.NoError(t, s.Save(ctx, in))

	out, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	got := byGUID(out)

	v := got[in[0].GUID]
	assert.Equal(t, "/dl/video.mkv", v.Path())
	assert.Equal(t, uint32(4), v.Generation)
	assert.Equal(t, in[0].Aliases, v.Aliases)
	require.NotNil(t, v.SHA1)
	assert.Equal(t, *in[0].SHA1, *v.SHA1)
	assert.Nil(t, v.TTH)
	assert.Equal(t, uint64(1024), v.Done)
	assert.Equal(t, in[0].Created.Unix(), v.Created.Unix())
	assert.True(t, v.NTime.IsZero())
	assert.Equal(t, in[0].Chunks, v.Chunks)

	// A later save replaces the previous contents.
	require.NoError(t, s.Save(ctx, in[1:]))
	out, err = s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, in[1].GUID, out[0].GUID)
}

func TestTextStore(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open(Config{Backend: BackendText, Path: "/state/fileinfo", Fs: fs, Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()
	checkRoundTrip(t, s)

	exists, err := afero.Exists(fs, "/state/fileinfo.new")
	require.NoError(t, err)
	assert.False(t, exists, "temporary file is renamed into place")
}

func TestBoltStore(t *testing.T) {
	s, err := Open(Config{Backend: BackendBolt, Path: filepath.Join(t.TempDir(), "index.db"), Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()
	checkRoundTrip(t, s)
}

func TestLevelStore(t *testing.T) {
	s, err := Open(Config{Backend: BackendLevelDB, Path: filepath.Join(t.TempDir(), "index"), Logger: testLogger()})
	require.NoError(t, err)
	defer s.Close()
	checkRoundTrip(t, s)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(Config{Backend: "sqlite", Path: "/x"})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = Open(Config{})
	assert.Error(t, err)
}
