package model

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"
)

// TrafficSample is one raw per-interface observation.
type TrafficSample struct {
	InterfaceID   string
	Timestamp     time.Time
	UploadBytes   uint64
	DownloadBytes uint64
}

// AppTrafficSample is one raw per-flow observation attributed to an application.
type AppTrafficSample struct {
	AppID         string
	Timestamp     time.Time
	LocalAddr     string
	LocalPort     uint16
	RemoteAddr    string
	RemotePort    uint16
	Protocol      Protocol
	UploadBytes   uint64
	DownloadBytes uint64
}

// Application is the stable identity of a program that owns traffic.
type Application struct {
	AppID     string
	Name      string
	Path      string
	Publisher string
	FirstSeen time.Time
}

// AppID hashes the identity fields of an application into a stable id.
func AppID(path, publisher, processName string) string {
	h := fnv.New64a()
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write([]byte(publisher))
	h.Write([]byte{'|'})
	h.Write([]byte(processName))
	return hex.EncodeToString(h.Sum(nil))
}

// Resolution is one level of the rollup ladder.
type Resolution uint8

const (
	ResolutionRaw Resolution = iota
	ResolutionHourly
	ResolutionDaily
	ResolutionWeekly
	ResolutionMonthly
)

var resolutionNames = [...]string{"raw", "hourly", "daily", "weekly", "monthly"}

func (r Resolution) String() string {
	if int(r) < len(resolutionNames) {
		return resolutionNames[r]
	}
	return fmt.Sprintf("Resolution(%d)", uint8(r))
}

// ParseResolution maps a name such as "hourly" to its Resolution.
func ParseResolution(s string) (Resolution, error) {
	for i, name := range resolutionNames {
		if name == s {
			return Resolution(i), nil
		}
	}
	return 0, fmt.Errorf("unknown resolution %q", s)
}

// Width returns the bucket width in seconds; raw has no width.
func (r Resolution) Width() int64 {
	switch r {
	case ResolutionHourly:
		return 3600
	case ResolutionDaily:
		return 86400
	case ResolutionWeekly:
		return 604800
	case ResolutionMonthly:
		return 2592000
	default:
		return 0
	}
}

// Coarser returns the next resolution up the ladder.
func (r Resolution) Coarser() Resolution {
	if r >= ResolutionMonthly {
		return ResolutionMonthly
	}
	return r + 1
}

// BucketStart floors a timestamp to the start of its bucket, in unix seconds.
func BucketStart(t time.Time, r Resolution) int64 {
	return FloorUnix(t.Unix(), r)
}

// FloorUnix floors unix seconds to the bucket width of r.
func FloorUnix(sec int64, r Resolution) int64 {
	w := r.Width()
	if w == 0 {
		return sec
	}
	m := sec % w
	if m < 0 {
		m += w
	}
	return sec - m
}

// AppBucket is an aggregated window of application traffic.
type AppBucket struct {
	AppID               string
	Resolution          Resolution
	BucketStart         int64
	TotalUpload         uint64
	TotalDownload       uint64
	PeakUpload          uint64
	PeakDownload        uint64
	RecordCount         uint64
	DistinctRemoteIPs   uint64
	DistinctRemotePorts uint64
	CreatedAt           time.Time
}

// InterfaceBucket is an aggregated window of interface traffic.
type InterfaceBucket struct {
	InterfaceID   string
	Resolution    Resolution
	BucketStart   int64
	TotalUpload   uint64
	TotalDownload uint64
	AvgUpload     float64
	AvgDownload   float64
	MaxUpload     uint64
	MaxDownload   uint64
	RecordCount   uint64
	CreatedAt     time.Time
}
