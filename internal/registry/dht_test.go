package registry

import (
	"testing"
	"time"

	"swarmd/internal/digest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDHT struct {
	mock.Mock
}

func (m *mockDHT) Publish(sha1 digest.SHA1) {
	m.Called(sha1)
}

func (m *mockDHT) Query(sha1 digest.SHA1) bool {
	args := m.Called(sha1)
	return args.Bool(0)
}

func TestDHT_QueryGating(t *testing.T) {
	dht := new(mockDHT)
	f := newFixture(t, func(c *Config) { c.DHT = dht })
	sha := digest.SHA1{0x42}

	h, err := f.reg.GetOrCreate("f.bin", "/dl", 1000, &sha, true)
	require.NoError(t, err)
	_, err = f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, err)

	dht.On("Query", sha).Return(true).Twice()

	assert.Equal(t, 1, f.reg.DHTTick(), "never queried yet")
	assert.Equal(t, 0, f.reg.DHTTick(), "a lookup is already pending")

	f.reg.DHTQueryStarting(sha)
	f.reg.DHTQueryCompleted(sha, true, true)
	st, _ := f.reg.Status(h)
	assert.Equal(t, 1, st.DHTLookups)
	assert.Equal(t, 1, st.DHTHits)

	// One idle source: base period plus one source delay.
	f.clock.Advance(DHTPeriod + DHTSourceDelay - 1)
	assert.False(t, f.reg.DHTQueryAllowed(h))
	assert.Equal(t, 0, f.reg.DHTTick())
	f.clock.Advance(1)
	assert.True(t, f.reg.DHTQueryAllowed(h))
	assert.Equal(t, 1, f.reg.DHTTick())

	dht.AssertExpectations(t)
}

func TestDHT_NoQueryWhenEnoughSourcesReceive(t *testing.T) {
	dht := new(mockDHT)
	f := newFixture(t, func(c *Config) { c.DHT = dht })
	sha := digest.SHA1{0x43}
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, &sha, true)

	for i := 0; i < DHTRecvThreshold; i++ {
		id, err := f.reg.AddSource(h, SourceOptions{Alive: true})
		require.NoError(t, err)
		require.NoError(t, f.reg.SetSourceState(id, SourceState{Alive: true, Receiving: true}))
	}
	assert.False(t, f.reg.DHTQueryAllowed(h))

	require.NoError(t, f.reg.Pause(h))
	assert.False(t, f.reg.DHTQueryAllowed(h))

	noHash, _ := f.reg.GetOrCreate("g.bin", "/dl", 10, nil, true)
	assert.False(t, f.reg.DHTQueryAllowed(noHash))

	assert.Equal(t, 0, f.reg.DHTTick())
	dht.AssertNotCalled(t, "Query", mock.Anything)
}

func TestDHT_QueryNotLaunched(t *testing.T) {
	dht := new(mockDHT)
	f := newFixture(t, func(c *Config) { c.DHT = dht })
	sha := digest.SHA1{0x44}
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, &sha, true)

	dht.On("Query", sha).Return(false).Once()
	assert.Equal(t, 0, f.reg.DHTTick())
	assert.True(t, f.reg.DHTQueryAllowed(h), "a refused query leaves the file eligible")

	f.reg.DHTQueryQueued(sha)
	assert.False(t, f.reg.DHTQueryAllowed(h))
	f.reg.DHTQueryCompleted(sha, false, false)
	assert.True(t, f.reg.DHTQueryAllowed(h))
	dht.AssertExpectations(t)
}

func TestDHT_Publish(t *testing.T) {
	dht := new(mockDHT)
	f := newFixture(t, func(c *Config) { c.DHT = dht })
	sha := digest.SHA1{0x45}
	h, _ := f.reg.GetOrCreate("f.bin", "/dl", 1000, &sha, true)
	_, _ = f.reg.GetOrCreate("nohash.bin", "/dl", 1000, nil, true)

	assert.Equal(t, 0, f.reg.PublishAll(), "nothing to share yet")

	id, _ := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, f.reg.MarkDone(id, 0, 100))
	dht.On("Publish", sha).Return().Once()
	assert.Equal(t, 1, f.reg.PublishAll())
	dht.AssertExpectations(t)
}

// syncDHT rappelle le registre depuis Query et Publish, comme une DHT qui
// résout localement.
type syncDHT struct {
	reg       *Registry
	queries   int
	published int
}

func (d *syncDHT) Publish(sha1 digest.SHA1) {
	d.published++
	d.reg.DHTQueryQueued(sha1)
	d.reg.DHTQueryCompleted(sha1, false, false)
}

func (d *syncDHT) Query(sha1 digest.SHA1) bool {
	d.queries++
	d.reg.DHTQueryQueued(sha1)
	d.reg.DHTQueryStarting(sha1)
	d.reg.DHTQueryCompleted(sha1, true, true)
	return true
}

func TestDHT_SynchronousCallbacks(t *testing.T) {
	dht := &syncDHT{}
	f := newFixture(t, func(c *Config) { c.DHT = dht })
	dht.reg = f.reg
	sha := digest.SHA1{0x46}
	h, err := f.reg.GetOrCreate("f.bin", "/dl", 1000, &sha, true)
	require.NoError(t, err)
	id, err := f.reg.AddSource(h, SourceOptions{Alive: true})
	require.NoError(t, err)
	require.NoError(t, f.reg.MarkDone(id, 0, 100))

	done := make(chan int, 2)
	go func() {
		done <- f.reg.DHTTick()
		done <- f.reg.PublishAll()
	}()
	for i := 0; i < 2; i++ {
		select {
		case n := <-done:
			assert.Equal(t, 1, n)
		case <-time.After(2 * time.Second):
			t.Fatal("registry blocked on a DHT callback")
		}
	}

	st, err := f.reg.Status(h)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DHTLookups)
	assert.Equal(t, 1, st.DHTHits)
	assert.Equal(t, 1, dht.queries)
	assert.Equal(t, 1, dht.published)
	assert.False(t, f.reg.DHTQueryAllowed(h), "the next query waits for the period")
}
