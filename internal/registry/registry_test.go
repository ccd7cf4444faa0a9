package registry

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"swarmd/internal/allocator"
	"swarmd/internal/chunklist"
	"swarmd/internal/digest"
	"swarmd/internal/indexstore"
	"swarmd/internal/trailer"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	fs    afero.Fs
	clock *fakeClock
	store indexstore.Store
	reg   *Registry
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		fs:    afero.NewMemMapFs(),
		clock: &fakeClock{now: time.Unix(1_700_000_000, 0)},
	}
	f.store = indexstore.NewTextStore(f.fs, "/state/fileinfo", testLogger())
	f.reg = f.open(opts...)
	return f
}

// open builds a registry over the fixture's filesystem and index, as a
// restarted process would.
func (f *fixture) open(opts ...func(*Config)) *Registry {
	cfg := Config{
		Fs:    f.fs,
		Store: f.store,
		Now:   f.clock.Now,
		Allocator: allocator.Config{
			MinChunk:   100,
			MaxChunk:   1000,
			MinSplit:   64,
			Aggressive: true,
			Verify:     true,
		},
		Logger: testLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return New(cfg)
}

func (f *fixture) dataFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, path, make([]byte, size), 0o644))
}

func TestGetOrCreate_SameSHA1ReusesRecord(t *testing.T) {
	f := newFixture(t)
	sha := digest.SHA1{1, 2, 3}

	h1, err := f.reg.GetOrCreate("first.iso", "/dl", 1000, &sha, true)
	require.NoError(t, err)
	h2, err := f.reg.GetOrCreate("second.iso", "/dl", 2000, &sha, true)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Equal(t, 1, f.reg.Len())

	st, err := f.reg.Status(h1)
	require.NoError(t, err)
	assert.Equal(t, "/dl/first.iso", st.Path)
	assert.Equal(t, uint64(2000), st.Size, "no progress yet, the new size is adopted")
	assert.Contains(t, st.Aliases, "second.iso")

	h3, ok := f.reg.Lookup("second.iso", 2000, nil)
	require.True(t, ok)
	assert.Equal(t, h1, h3)
}

func TestGetOrCreate_SizeMismatchWithProgress(t *testing.T) {
	f := newFixture(t)
	sha := digest.SHA1{7}
	h, err := f.reg.GetOrCreate("a.bin", "/dl", 1000, &sha, true)
	require.NoError(t, err)
	id, err := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, err)
	require.NoError(t, f.reg.MarkDone(id, 0, 10))

	_, err = f.reg.GetOrCreate("a.bin", "/dl", 2000, &sha, true)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestGotSHA1_ReparentsOntoRecordWithProgress(t *testing.T) {
	f := newFixture(t)
	sha := digest.SHA1{9}

	h1, err := f.reg.GetOrCreate("one.bin", "/dl", 1000, nil, true)
	require.NoError(t, err)
	h2, err := f.reg.GetOrCreate("two.bin", "/dl", 1000, nil, true)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	src1, err := f.reg.AddSource(h1, SourceOptions{Alive: true})
	require.NoError(t, err)
	src2, err := f.reg.AddSource(h2, SourceOptions{Alive: true})
	require.NoError(t, err)
	require.NoError(t, f.reg.MarkDone(src1, 0, 100))

	got, err := f.reg.GotSHA1(h1, sha)
	require.NoError(t, err)
	assert.Equal(t, h1, got)

	got, err = f.reg.GotSHA1(h2, sha)
	require.NoError(t, err)
	assert.Equal(t, h1, got, "the record without progress is dropped")

	_, err = f.reg.Status(h2)
	assert.ErrorIs(t, err, ErrNotFound)

	st, err := f.reg.Status(h1)
	require.NoError(t, err)
	assert.Equal(t, 2, st.RefCount)
	assert.Equal(t, 2, st.LiveCount)
	assert.Contains(t, st.Aliases, "two.bin")

	// The reparented source now allocates on the survivor.
	f.dataFile(t, "/dl/one.bin", 100)
	res, err := f.reg.FindHole(src2)
	require.NoError(t, err)
	assert.Equal(t, allocator.Reserved, res.Outcome)
	assert.GreaterOrEqual(t, res.From, uint64(100))
}

func TestGotSHA1_NewerWithProgressWins(t *testing.T) {
	f := newFixture(t)
	sha := digest.SHA1{4}

	old, err := f.reg.GetOrCreate("old.bin", "/dl", 500, &sha, true)
	require.NoError(t, err)
	oldSrc, err := f.reg.AddSource(old, SourceOptions{Alive: true})
	require.NoError(t, err)

	h, err := f.reg.GetOrCreate("new.bin", "/dl", 800, nil, true)
	require.NoError(t, err)
	src, err := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, err)
	require.NoError(t, f.reg.MarkDone(src, 0, 50))

	got, err := f.reg.GotSHA1(h, sha)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = f.reg.Status(old)
	assert.ErrorIs(t, err, ErrNotFound)
	owner, ok := f.reg.BySHA1(sha)
	require.True(t, ok)
	assert.Equal(t, h, owner)

	st, err := f.reg.Status(h)
	require.NoError(t, err)
	assert.Equal(t, 2, st.RefCount)
	require.NoError(t, f.reg.RemoveSource(oldSrc))
}

func TestGotSHA1_BothWithProgressConflict(t *testing.T) {
	f := newFixture(t)
	sha := digest.SHA1{5}

	a, err := f.reg.GetOrCreate("a.bin", "/dl", 500, &sha, true)
	require.NoError(t, err)
	b, err := f.reg.GetOrCreate("b.bin", "/dl", 600, nil, true)
	require.NoError(t, err)
	sa, _ := f.reg.AddSource(a, SourceOptions{Alive: true})
	sb, _ := f.reg.AddSource(b, SourceOptions{Alive: true})
	require.NoError(t, f.reg.MarkDone(sa, 0, 10))
	require.NoError(t, f.reg.MarkDone(sb, 0, 10))

	_, err = f.reg.GotSHA1(b, sha)
	assert.ErrorIs(t, err, ErrHashConflict)

	_, err = f.reg.GotSHA1(a, digest.SHA1{6})
	assert.ErrorIs(t, err, ErrHashImmutable)
}

func TestGetOrCreate_UniqueNames(t *testing.T) {
	f := newFixture(t)
	f.dataFile(t, "/dl/song.mp3", 10) // unrelated file without trailer

	h1, err := f.reg.GetOrCreate("song.mp3", "/dl", 1000, nil, true)
	require.NoError(t, err)
	st, _ := f.reg.Status(h1)
	assert.Equal(t, "/dl/song.1.mp3", st.Path)
	assert.Contains(t, st.Aliases, "song.mp3")

	h2, err := f.reg.GetOrCreate("song.mp3", "/dl", 1000, nil, true)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "name and size designate a single download")

	h3, err := f.reg.GetOrCreate("song.mp3", "/dl", 2000, nil, true)
	require.NoError(t, err)
	st, _ = f.reg.Status(h3)
	assert.Equal(t, "/dl/song.2.mp3", st.Path)

	h4, err := f.reg.GetOrCreate("../etc/passwd", "/dl", 10, nil, true)
	require.NoError(t, err)
	st, _ = f.reg.Status(h4)
	assert.Equal(t, "/dl/.._etc_passwd", st.Path)
}

func TestLookup_Ambiguous(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.GetOrCreate("x.bin", "/a", 100, nil, true)
	require.NoError(t, err)
	// Same name and size elsewhere: a second record is forced by its alias.
	h, err := f.reg.GetOrCreate("y.bin", "/b", 100, nil, true)
	require.NoError(t, err)
	require.NoError(t, f.reg.Rename(h, "x.bin"))

	_, ok := f.reg.Lookup("x.bin", 100, nil)
	assert.False(t, ok, "two candidates, no match")

	sha := digest.SHA1{1}
	_, err = f.reg.GotSHA1(h, sha)
	require.NoError(t, err)
	got, ok := f.reg.Lookup("anything", 1, &sha)
	require.True(t, ok)
	assert.Equal(t, h, got)

	strict := newFixture(t, func(c *Config) { c.StrictSHA1 = true })
	_, err = strict.reg.GetOrCreate("z.bin", "/a", 100, nil, true)
	require.NoError(t, err)
	_, ok = strict.reg.Lookup("z.bin", 100, &sha)
	assert.False(t, ok, "strict matching stops at the hash")
	_, ok = f.reg.Lookup("y.bin", 100, &digest.SHA1{2})
	assert.False(t, ok)
}

func TestGetOrCreate_ResumesFromTrailer(t *testing.T) {
	f := newFixture(t)
	codec := trailer.NewCodec(trailer.CodecConfig{Now: f.clock.Now})
	guid := digest.NewGUID()
	sha := digest.SHA1{3, 3}

	f.dataFile(t, "/dl/movie.avi", 1000)
	rec := &trailer.Record{
		SizeKnown: true, Size: 1000, Generation: 3, GUID: guid, SHA1: &sha,
		Chunks: []chunklist.Chunk{
			{From: 0, To: 400, Status: chunklist.Done},
			{From: 400, To: 1000, Status: chunklist.Empty},
		},
	}
	require.NoError(t, trailer.Write(f.fs, "/dl/movie.avi", 1000, codec.Encode(rec)))

	h, err := f.reg.GetOrCreate("movie.avi", "/dl", 1000, nil, true)
	require.NoError(t, err)
	st, err := f.reg.Status(h)
	require.NoError(t, err)
	assert.Equal(t, "/dl/movie.avi", st.Path)
	assert.Equal(t, guid, st.GUID)
	assert.Equal(t, uint64(400), st.Done)
	assert.Equal(t, uint32(3), st.Generation)
	require.NotNil(t, st.SHA1)
	assert.Equal(t, sha, *st.SHA1)
}

func TestGetOrCreate_ConflictingTrailerIsRenamedDead(t *testing.T) {
	f := newFixture(t)
	codec := trailer.NewCodec(trailer.CodecConfig{Now: f.clock.Now})
	other := digest.SHA1{0xee}

	f.dataFile(t, "/dl/movie.avi", 1000)
	rec := &trailer.Record{SizeKnown: true, Size: 1000, GUID: digest.NewGUID(), SHA1: &other,
		Chunks: []chunklist.Chunk{{From: 0, To: 1000, Status: chunklist.Empty}}}
	require.NoError(t, trailer.Write(f.fs, "/dl/movie.avi", 1000, codec.Encode(rec)))

	want := digest.SHA1{0x11}
	h, err := f.reg.GetOrCreate("movie.avi", "/dl", 1000, &want, true)
	require.NoError(t, err)

	dead, err := afero.Exists(f.fs, "/dl/movie.avi.DEAD")
	require.NoError(t, err)
	assert.True(t, dead)
	st, _ := f.reg.Status(h)
	assert.Equal(t, "/dl/movie.avi", st.Path)
	assert.Equal(t, uint64(0), st.Done)
}

func TestSources_LifecycleStateMachine(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	require.NoError(t, err)

	id, err := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, err)
	st, _ := f.reg.Status(h)
	assert.Equal(t, Active, st.State)
	assert.Equal(t, 1, st.RefCount)
	assert.Equal(t, 1, st.LiveCount)

	res, err := f.reg.FindHole(id)
	require.NoError(t, err)
	require.Equal(t, allocator.Reserved, res.Outcome)
	status, _ := f.reg.ChunkStatus(h, res.From, res.To)
	assert.Equal(t, chunklist.Busy, status)

	require.NoError(t, f.reg.SetSourceState(id, SourceState{}))
	st, _ = f.reg.Status(h)
	assert.Equal(t, 0, st.LiveCount)

	require.NoError(t, f.reg.RemoveSource(id))
	status, _ = f.reg.ChunkStatus(h, res.From, res.To)
	assert.Equal(t, chunklist.Empty, status, "busy chunks are released with the source")
	st, _ = f.reg.Status(h)
	assert.Equal(t, ZeroRefsKept, st.State)

	assert.ErrorIs(t, f.reg.RemoveSource(id), ErrUnknownSource)

	require.NoError(t, f.reg.SetDiscard(h, true))
	_, err = f.reg.Status(h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSources_DiscardOnEmptyAfterLastSource(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	a, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	b, _ := f.reg.AddSource(h, SourceOptions{Queued: true})
	require.NoError(t, f.reg.SetDiscard(h, true))

	require.NoError(t, f.reg.RemoveSource(a))
	_, err := f.reg.Status(h)
	require.NoError(t, err, "still referenced")
	require.NoError(t, f.reg.RemoveSource(b))
	_, err = f.reg.Status(h)
	assert.ErrorIs(t, err, ErrNotFound)

	// Handles of a recycled slot stay invalid.
	h2, _ := f.reg.GetOrCreate("g.bin", "/dl", 10, nil, true)
	assert.NotEqual(t, h, h2)
	_, err = f.reg.Status(h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindHole_StealsFromStalledSource(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	a, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	b, _ := f.reg.AddSource(h, SourceOptions{Alive: true})

	require.NoError(t, f.reg.Reserve(a, 0, 500))
	require.NoError(t, f.reg.MarkDone(b, 500, 1000))
	require.NoError(t, f.reg.SetSourceStats(a, 0, 1))
	require.NoError(t, f.reg.SetSourceStats(b, 50_000, 1))
	f.dataFile(t, "/dl/f.bin", 1000)

	res, err := f.reg.FindHole(b)
	require.NoError(t, err)
	assert.Equal(t, allocator.Reserved, res.Outcome)
	assert.Equal(t, uint64(249), res.From)
	assert.Equal(t, uint64(500), res.To)
	assert.Equal(t, a, res.Victim)

	// A's remaining half is still its own.
	status, _ := f.reg.ChunkStatus(h, 0, 249)
	assert.Equal(t, chunklist.Busy, status)

	res, err = f.reg.FindHole(a)
	require.NoError(t, err)
	assert.Equal(t, allocator.NoHole, res.Outcome, "a stalled source does not steal back")
}

func TestFindAvailableHole_UsesAdvertisedRanges(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, f.reg.SetSourceRanges(id, []chunklist.Range{{From: 600, To: 700}}))

	res, err := f.reg.FindAvailableHole(id)
	require.NoError(t, err)
	assert.Equal(t, allocator.Reserved, res.Outcome)
	assert.Equal(t, uint64(600), res.From)
	assert.Equal(t, uint64(700), res.To)

	seen, err := f.reg.SeenRanges(h)
	require.NoError(t, err)
	assert.Equal(t, []chunklist.Range{{From: 600, To: 700}}, seen)
}

func TestFindHole_CompleteAndQuarantined(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 100, nil, true)
	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, f.reg.MarkDone(id, 0, 100))
	f.dataFile(t, "/dl/f.bin", 100)

	res, err := f.reg.FindHole(id)
	require.NoError(t, err)
	assert.Equal(t, allocator.Complete, res.Outcome)
	assert.True(t, f.reg.IsComplete(h))

	rec, _ := f.reg.arena.get(h)
	_ = f.reg.quarantine(rec, errors.New("overlap"))
	_, err = f.reg.FindHole(id)
	assert.ErrorIs(t, err, ErrQuarantined)
	st, _ := f.reg.Status(h)
	assert.NotEmpty(t, st.Quarantine)
	assert.NotZero(t, st.Flags&FlagQuarantined)
}

func TestFindHole_ResetsWhenDataFileVanished(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, f.reg.MarkDone(id, 0, 300))

	// The data file was never written: progress is lost.
	res, err := f.reg.FindHole(id)
	require.NoError(t, err)
	assert.Equal(t, allocator.Reserved, res.Outcome)
	assert.Equal(t, uint64(0), res.From)
	st, _ := f.reg.Status(h)
	assert.Equal(t, uint64(0), st.Done)
}

func TestSizeKnown_InstallsGeometry(t *testing.T) {
	f := newFixture(t)
	h, err := f.reg.GetOrCreate("stream.ogg", "/dl", 0, nil, false)
	require.NoError(t, err)
	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})

	res, err := f.reg.FindHole(id)
	assert.ErrorIs(t, err, allocator.ErrUnknownSize)
	assert.Equal(t, allocator.Result{}, res)

	require.NoError(t, f.reg.GrowUnknown(id, 300))
	require.NoError(t, f.reg.SizeKnown(id, 1000))

	st, _ := f.reg.Status(h)
	assert.True(t, st.SizeKnown)
	assert.Equal(t, uint64(1000), st.Size)
	assert.Equal(t, uint64(300), st.Done)
	status, _ := f.reg.ChunkStatus(h, 300, 1000)
	assert.Equal(t, chunklist.Busy, status)

	got, ok := f.reg.Lookup("stream.ogg", 1000, nil)
	require.True(t, ok)
	assert.Equal(t, h, got)

	assert.ErrorIs(t, f.reg.SizeKnown(id, 2000), ErrSizeAlreadySet)
}

func TestNewChunkOwner(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	a, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	b, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, f.reg.Reserve(a, 0, 500))
	require.NoError(t, f.reg.Reserve(b, 500, 700))

	require.NoError(t, f.reg.NewChunkOwner(b, 0, 500))
	status, _ := f.reg.ChunkStatus(h, 500, 700)
	assert.Equal(t, chunklist.Empty, status, "b's previous reservation is freed")

	require.NoError(t, f.reg.RemoveSource(a))
	status, _ = f.reg.ChunkStatus(h, 0, 500)
	assert.Equal(t, chunklist.Busy, status, "the chunk belongs to b now")

	assert.ErrorIs(t, f.reg.NewChunkOwner(b, 800, 900), chunklist.ErrBadRange)
}

func TestRestrictRangeAndPosStatus(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, f.reg.MarkDone(id, 100, 400))

	end, ok, err := f.reg.RestrictRange(h, 150, 999)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(399), end)

	_, ok, _ = f.reg.RestrictRange(h, 50, 999)
	assert.False(t, ok)

	pos, _ := f.reg.PosStatus(h, 200)
	assert.Equal(t, chunklist.Done, pos)
	pos, _ = f.reg.PosStatus(h, 500)
	assert.Equal(t, chunklist.Empty, pos)
}

func TestHashesAndVerification(t *testing.T) {
	f := newFixture(t)
	sha := digest.SHA1{1}
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 100, &sha, true)

	st, _ := f.reg.Status(h)
	assert.Equal(t, VerifyPending, st.Verification)

	require.NoError(t, f.reg.GotCHA1(h, digest.SHA1{2}))
	st, _ = f.reg.Status(h)
	assert.Equal(t, VerifyMismatch, st.Verification)
	require.NoError(t, f.reg.GotCHA1(h, sha))
	st, _ = f.reg.Status(h)
	assert.Equal(t, VerifyOK, st.Verification)

	assert.ErrorIs(t, f.reg.GotTigerTree(h, []digest.TTH{{1}, {2}}), ErrBadTigerTree)
	root := digest.TTH{9}
	require.NoError(t, f.reg.GotTTH(h, root))
	require.NoError(t, f.reg.GotTTH(h, root))
	assert.ErrorIs(t, f.reg.GotTTH(h, digest.TTH{8}), ErrHashImmutable)

	assert.ErrorIs(t, f.reg.GotTigerTree(h, []digest.TTH{{1}}), ErrBadTigerTree)
	require.NoError(t, f.reg.GotTigerTree(h, []digest.TTH{{1}, {2}}))
	assert.ErrorIs(t, f.reg.GotTigerTree(h, []digest.TTH{{1}, {2}}), ErrBadTigerTree, "the tree must grow")
}

func TestPurgeAndRename(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 100, nil, true)
	f.dataFile(t, "/dl/f.bin", 100)
	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})

	require.NoError(t, f.reg.Rename(h, "g.bin"))
	exists, _ := afero.Exists(f.fs, "/dl/g.bin")
	assert.True(t, exists)
	got, ok := f.reg.ByPath("/dl/g.bin")
	require.True(t, ok)
	assert.Equal(t, h, got)
	_, ok = f.reg.ByPath("/dl/f.bin")
	assert.False(t, ok)

	require.NoError(t, f.reg.Pause(h))
	st, _ := f.reg.Status(h)
	assert.NotZero(t, st.Flags&FlagPaused)
	require.NoError(t, f.reg.Resume(h))

	require.NoError(t, f.reg.Purge(h))
	exists, _ = afero.Exists(f.fs, "/dl/g.bin")
	assert.False(t, exists)
	_, err := f.reg.Status(h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.reg.RemoveSource(id), ErrUnknownSource)
}

func TestTransientRecords(t *testing.T) {
	f := newFixture(t)
	h := f.reg.GetOrCreateTransient("browse.bin", "/tmp", 100)
	st, err := f.reg.Status(h)
	require.NoError(t, err)
	got, ok := f.reg.ByGUID(st.GUID)
	require.True(t, ok)
	assert.Equal(t, h, got)
	_, ok = f.reg.ByPath("/tmp/browse.bin")
	assert.False(t, ok, "transient records are only indexed by GUID")

	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, f.reg.RemoveSource(id))
	_, err = f.reg.Status(h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelease_KeepsReceivedBytesAndOtherReservations(t *testing.T) {
	f := newFixture(t)
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, nil, true)
	a, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	b, _ := f.reg.AddSource(h, SourceOptions{Alive: true})

	require.NoError(t, f.reg.Reserve(a, 0, 100))
	require.NoError(t, f.reg.MarkDone(a, 0, 50))
	require.NoError(t, f.reg.Reserve(b, 200, 300))

	require.NoError(t, f.reg.Release(b, 0, 100))
	status, _ := f.reg.ChunkStatus(h, 50, 100)
	assert.Equal(t, chunklist.Busy, status, "b cannot release a's reservation")

	require.NoError(t, f.reg.Release(a, 0, 300))
	st, _ := f.reg.Status(h)
	assert.Equal(t, uint64(50), st.Done)
	status, _ = f.reg.ChunkStatus(h, 50, 100)
	assert.Equal(t, chunklist.Empty, status)
	status, _ = f.reg.ChunkStatus(h, 200, 300)
	assert.Equal(t, chunklist.Busy, status)

	assert.ErrorIs(t, f.reg.Release(a, 500, 2000), chunklist.ErrBadRange)
}
