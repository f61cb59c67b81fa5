package process

import (
	"Go2NetWatch/internal/model"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	identities map[uint32]Identity
	usage      map[uint32]Usage
	lookups    int
}

func (f *fakeSource) Identity(pid uint32) (Identity, error) {
	f.lookups++
	id, ok := f.identities[pid]
	if !ok {
		return Identity{PID: pid}, ErrNoSuchProcess
	}
	return id, nil
}

func (f *fakeSource) Usage(pid uint32) (Usage, error) {
	u, ok := f.usage[pid]
	if !ok {
		return Usage{}, ErrNoSuchProcess
	}
	return u, nil
}

func TestInspectorCachesIdentity(t *testing.T) {
	src := &fakeSource{
		identities: map[uint32]Identity{10: {PID: 10, Name: "firefox", Path: "/usr/lib/firefox/firefox"}},
		usage:      map[uint32]Usage{10: {MemoryBytes: 1 << 20, Threads: 12}},
	}
	in := NewInspectorWithSource(src, time.Minute, 16)

	info := in.Inspect(10)
	assert.False(t, info.Exited)
	assert.Equal(t, "firefox", info.Name)
	assert.Equal(t, uint64(1<<20), info.MemoryBytes)
	assert.Equal(t, int32(12), info.Threads)

	in.Inspect(10)
	assert.Equal(t, 1, src.lookups)
}

func TestInspectorExitedProcess(t *testing.T) {
	src := &fakeSource{identities: map[uint32]Identity{11: {PID: 11, Name: "sleep", Path: "/bin/sleep"}}}
	in := NewInspectorWithSource(src, time.Minute, 16)

	info := in.Inspect(11)
	assert.True(t, info.Exited)
	assert.Equal(t, "/bin/sleep", info.Path)
}

func TestApplicationIdentity(t *testing.T) {
	src := &fakeSource{identities: map[uint32]Identity{
		1: {PID: 1, Name: "curl", Path: "/usr/bin/curl"},
		2: {PID: 2, Name: "curl", Path: "/usr/bin/curl"},
	}}
	in := NewInspectorWithSource(src, time.Minute, 16)

	a := in.Application(1, "curl")
	b := in.Application(2, "curl")
	require.Equal(t, a.AppID, b.AppID)
	assert.Equal(t, model.AppID("/usr/bin/curl", "", "curl"), a.AppID)

	gone := in.Application(99, "ghost")
	assert.Equal(t, "ghost", gone.Name)
	assert.Equal(t, "ghost", gone.Path)
	assert.NotEqual(t, a.AppID, gone.AppID)
}
