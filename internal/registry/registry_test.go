package registry

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(name string) WorkerRecord {
	return WorkerRecord{
		Name:          name,
		PID:           os.Getpid(),
		CommandAddr:   "unix:///tmp/" + name + ".sock",
		TelemetryAddr: "unix:///tmp/" + name + ".tele.sock",
	}
}

// TestRegisterAndGet verifies the basic register/get cycle and that a fresh
// record starts in the starting state with both timestamps set.
func TestRegisterAndGet(t *testing.T) {
	reg := New(NewMemoryStore())
	require.NoError(t, reg.Register(testRecord("audio_analyzer")))

	rec, err := reg.Get("audio_analyzer")
	require.NoError(t, err)
	assert.Equal(t, "audio_analyzer", rec.Name)
	assert.Equal(t, StatusStarting, rec.Status)
	assert.Equal(t, rec.RegisteredAt, rec.LastHeartbeatAt)

	_, err = reg.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestReRegisterUpdatesExisting verifies that registering the same name
// twice updates the record in place and List never yields duplicates.
func TestReRegisterUpdatesExisting(t *testing.T) {
	reg := New(NewMemoryStore())
	require.NoError(t, reg.Register(testRecord("probe")))

	updated := testRecord("probe")
	updated.CommandAddr = "unix:///tmp/probe-new.sock"
	require.NoError(t, reg.Register(updated))

	all, err := reg.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "unix:///tmp/probe-new.sock", all[0].CommandAddr)
}

// TestHealthySequence verifies the heartbeat property: while beats arrive
// no further apart than the interval, the record stays healthy; once they
// stop, it turns unhealthy only after the timeout, never before.
func TestHealthySequence(t *testing.T) {
	reg := New(NewMemoryStore())
	clock := time.Now()
	reg.now = func() time.Time { return clock }

	require.NoError(t, reg.Register(testRecord("probe")))

	// Beats spaced at the interval keep the worker healthy.
	for i := 0; i < 5; i++ {
		clock = clock.Add(HeartbeatInterval)
		require.NoError(t, reg.Heartbeat("probe", nil))
		assert.True(t, reg.IsHealthy("probe"), "beat %d", i)
	}

	// Heartbeats stop. Just short of the timeout the record is still
	// healthy; at the timeout it is not.
	clock = clock.Add(HeartbeatTimeout - time.Second)
	assert.True(t, reg.IsHealthy("probe"))
	clock = clock.Add(time.Second)
	assert.False(t, reg.IsHealthy("probe"))
}

// TestHeartbeatMonotonic verifies the heartbeat timestamp never moves
// backward even if a writer observes a skewed clock.
func TestHeartbeatMonotonic(t *testing.T) {
	reg := New(NewMemoryStore())
	clock := time.Now()
	reg.now = func() time.Time { return clock }

	require.NoError(t, reg.Register(testRecord("probe")))
	clock = clock.Add(10 * time.Second)
	require.NoError(t, reg.Heartbeat("probe", nil))
	before, _ := reg.Get("probe")

	clock = clock.Add(-30 * time.Second)
	require.NoError(t, reg.Heartbeat("probe", nil))
	after, _ := reg.Get("probe")
	assert.Equal(t, before.LastHeartbeatAt, after.LastHeartbeatAt)
}

// TestHeartbeatUnknownWorker verifies that a heartbeat for an unregistered
// name reports ErrNotFound rather than silently creating a record.
func TestHeartbeatUnknownWorker(t *testing.T) {
	reg := New(NewMemoryStore())
	err := reg.Heartbeat("ghost", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestHeartbeatRefreshesMetadata verifies metadata is replaced when
// provided and kept when nil.
func TestHeartbeatRefreshesMetadata(t *testing.T) {
	reg := New(NewMemoryStore())
	rec := testRecord("probe")
	rec.Metadata = map[string]any{"version": "1"}
	require.NoError(t, reg.Register(rec))

	require.NoError(t, reg.Heartbeat("probe", nil))
	got, _ := reg.Get("probe")
	assert.Equal(t, "1", got.Metadata["version"])

	require.NoError(t, reg.Heartbeat("probe", map[string]any{"version": "2"}))
	got, _ = reg.Get("probe")
	assert.Equal(t, "2", got.Metadata["version"])
}

// TestDeadPIDTreatedAsAbsent verifies that a record whose process is gone
// is unhealthy and excluded from ListLive even with a fresh heartbeat.
func TestDeadPIDTreatedAsAbsent(t *testing.T) {
	reg := New(NewMemoryStore())
	rec := testRecord("zombie")
	rec.PID = 1 << 30 // far above any real pid
	require.NoError(t, reg.Register(rec))

	assert.False(t, reg.IsHealthy("zombie"))
	live, err := reg.ListLive()
	require.NoError(t, err)
	assert.Empty(t, live)

	// The record itself is still readable; absence of health does not
	// erase the distinction between "gone" and "never existed".
	_, err = reg.Get("zombie")
	assert.NoError(t, err)
}

// TestCleanup verifies that cleanup removes dead-pid records and marks
// stale running records crashed without touching healthy ones.
func TestCleanup(t *testing.T) {
	reg := New(NewMemoryStore())
	clock := time.Now()
	reg.now = func() time.Time { return clock }

	healthy := testRecord("healthy")
	require.NoError(t, reg.Register(healthy))
	require.NoError(t, reg.Heartbeat("healthy", nil))

	stale := testRecord("stale")
	require.NoError(t, reg.Register(stale))
	require.NoError(t, reg.Heartbeat("stale", nil))

	dead := testRecord("dead")
	dead.PID = 1 << 30
	require.NoError(t, reg.Register(dead))

	// Age out "stale" while keeping "healthy" fresh.
	clock = clock.Add(HeartbeatTimeout + time.Second)
	require.NoError(t, reg.Heartbeat("healthy", nil))

	require.NoError(t, reg.Cleanup())

	got, err := reg.Get("healthy")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	got, err = reg.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, StatusCrashed, got.Status)

	_, err = reg.Get("dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestFileStorePersistence verifies that a second store instance over the
// same path sees records written by the first.
func TestFileStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	store1, err := NewFileStore(path)
	require.NoError(t, err)
	reg1 := New(store1)
	require.NoError(t, reg1.Register(testRecord("probe")))

	store2, err := NewFileStore(path)
	require.NoError(t, err)
	reg2 := New(store2)
	rec, err := reg2.Get("probe")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), rec.PID)
}

// TestFileStoreCorruptFile verifies that a torn registry file is treated
// as empty rather than wedging every caller.
func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store, err := NewFileStore(path)
	require.NoError(t, err)
	reg := New(store)
	all, err := reg.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

// TestConcurrentWriters hammers the store from many goroutines and checks
// no update is lost. Each goroutine registers its own worker and beats it;
// all records must survive.
func TestConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := New(store)
			name := "worker-" + string(rune('a'+i))
			if err := reg.Register(testRecord(name)); err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 10; j++ {
				if err := reg.Heartbeat(name, nil); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	all, err := New(store).List()
	require.NoError(t, err)
	assert.Len(t, all, writers)
}

// TestPIDAlive sanity-checks the process probe against the test process
// itself and an impossible pid.
func TestPIDAlive(t *testing.T) {
	assert.True(t, PIDAlive(os.Getpid()))
	assert.False(t, PIDAlive(1<<30))
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-5))
}
