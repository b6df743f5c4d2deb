package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOwnerGroupFollowsConnection(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.OnConnect("c1", "u1"))
	require.NoError(t, r.OnConnect("c2", "u1"))
	require.NoError(t, r.OnConnect("c3", "u2"))

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.MembersOf(OwnerGroup("u1")))
	assert.ElementsMatch(t, []string{"c3"}, r.MembersOf(OwnerGroup("u2")))
	assert.ErrorIs(t, r.OnConnect("c1", "u1"), ErrDuplicateConnection)

	r.OnDisconnect("c1")
	r.OnDisconnect("c1")
	assert.ElementsMatch(t, []string{"c2"}, r.MembersOf(OwnerGroup("u1")))
}

func TestRegistryJoinLeaveAreIdempotent(t *testing.T) {
	r := NewRegistry()
	d := uuid.New()
	require.NoError(t, r.OnConnect("c1", "u1"))

	require.NoError(t, r.Join("c1", d))
	require.NoError(t, r.Join("c1", d))
	assert.Equal(t, []string{"c1"}, r.MembersOf(DeviceGroup(d)))

	require.NoError(t, r.Leave("c1", d))
	require.NoError(t, r.Leave("c1", d))
	require.NoError(t, r.Leave("c1", uuid.New()))
	assert.Empty(t, r.MembersOf(DeviceGroup(d)))

	assert.ErrorIs(t, r.Join("ghost", d), ErrUnknownConnection)
	assert.ErrorIs(t, r.Leave("ghost", d), ErrUnknownConnection)
}

func TestRegistryDisconnectClearsDeviceGroups(t *testing.T) {
	r := NewRegistry()
	d1, d2 := uuid.New(), uuid.New()
	require.NoError(t, r.OnConnect("c1", "u1"))
	require.NoError(t, r.Join("c1", d1))
	require.NoError(t, r.Join("c1", d2))
	assert.Len(t, r.Joined("c1"), 2)

	r.OnDisconnect("c1")
	assert.Empty(t, r.MembersOf(DeviceGroup(d1)))
	assert.Empty(t, r.MembersOf(DeviceGroup(d2)))
	assert.Empty(t, r.MembersOf(OwnerGroup("u1")))
	assert.Nil(t, r.Joined("c1"))

	conns, groups := r.Stats()
	assert.Zero(t, conns)
	assert.Zero(t, groups)
}

func TestRegistryNamespacesAreDisjoint(t *testing.T) {
	r := NewRegistry()
	d := uuid.New()
	// A user whose id happens to be a device id string.
	require.NoError(t, r.OnConnect("c1", d.String()))
	assert.Empty(t, r.MembersOf(DeviceGroup(d)))
	assert.NotEqual(t, OwnerGroup(d.String()), DeviceGroup(d))
}

func TestRegistryUnionDeduplicates(t *testing.T) {
	r := NewRegistry()
	d := uuid.New()
	require.NoError(t, r.OnConnect("owner", "u1"))
	require.NoError(t, r.OnConnect("watcher", "u2"))
	require.NoError(t, r.Join("owner", d))
	require.NoError(t, r.Join("watcher", d))

	got := r.Union(OwnerGroup("u1"), DeviceGroup(d))
	assert.ElementsMatch(t, []string{"owner", "watcher"}, got)
}

func TestRegistryMembersOfIsSnapshot(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.OnConnect("c1", "u1"))
	snap := r.MembersOf(OwnerGroup("u1"))
	require.NoError(t, r.OnConnect("c2", "u1"))
	assert.Equal(t, []string{"c1"}, snap)
}

func TestRegistryConcurrentChurnLeavesNothingBehind(t *testing.T) {
	r := NewRegistry()
	devices := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if err := r.OnConnect(id, fmt.Sprintf("u%d", i%4)); err != nil {
				t.Error(err)
				return
			}
			for j := 0; j < 50; j++ {
				d := devices[(i+j)%len(devices)]
				_ = r.Join(id, d)
				_ = r.Union(OwnerGroup("u0"), DeviceGroup(d))
				if j%3 == 0 {
					_ = r.Leave(id, d)
				}
			}
			r.OnDisconnect(id)
		}(i)
	}
	wg.Wait()

	conns, groups := r.Stats()
	assert.Zero(t, conns)
	assert.Zero(t, groups)
}
