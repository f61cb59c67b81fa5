package model

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketStartIsFloorAligned(t *testing.T) {
	ts := time.Unix(1_700_000_123, 0)
	for _, r := range []Resolution{ResolutionHourly, ResolutionDaily, ResolutionWeekly, ResolutionMonthly} {
		start := BucketStart(ts, r)
		assert.Zero(t, start%r.Width(), r.String())
		assert.LessOrEqual(t, start, ts.Unix())
		assert.Greater(t, start+r.Width(), ts.Unix())
	}
	assert.Equal(t, int64(0), BucketStart(time.Unix(1000, 0), ResolutionHourly))
	assert.Equal(t, int64(3600), BucketStart(time.Unix(3600, 0), ResolutionHourly))
}

func TestEventKeyUsesSourceAsLocal(t *testing.T) {
	e := &CaptureEvent{
		Type:       EventTCPSend,
		ProcessID:  42,
		SourceIP:   netip.MustParseAddr("10.0.0.2"),
		SourcePort: 51000,
		DestIP:     netip.MustParseAddr("93.184.216.34"),
		DestPort:   443,
	}
	key, err := e.Key()
	require.NoError(t, err)
	assert.Equal(t, ProtocolTCP, key.Protocol)
	assert.Equal(t, "TCP 10.0.0.2:51000->93.184.216.34:443 pid=42", key.String())

	iface := &CaptureEvent{Type: EventInterfaceState}
	_, err = iface.Key()
	assert.True(t, errors.Is(err, ErrUnknownProtocol))
}

func TestCheckLength(t *testing.T) {
	e := &CaptureEvent{Type: EventUDPSend, DataLength: -1}
	assert.ErrorIs(t, e.CheckLength(), ErrNegativeLength)
	e.DataLength = 0
	assert.NoError(t, e.CheckLength())
}

func TestAppIDIsStable(t *testing.T) {
	a := AppID("/usr/bin/curl", "", "curl")
	assert.Equal(t, a, AppID("/usr/bin/curl", "", "curl"))
	assert.NotEqual(t, a, AppID("/usr/bin/curl", "", "wget"))
	assert.Len(t, a, 16)
}

func TestParseNames(t *testing.T) {
	et, err := ParseEventType("UdpReceive")
	require.NoError(t, err)
	assert.Equal(t, EventUDPReceive, et)
	_, err = ParseEventType("IcmpEcho")
	assert.ErrorIs(t, err, ErrUnknownEventType)

	r, err := ParseResolution("weekly")
	require.NoError(t, err)
	assert.Equal(t, ResolutionWeekly, r)
	assert.Equal(t, ResolutionMonthly, ResolutionWeekly.Coarser())
}
