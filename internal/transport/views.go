package transport

import (
	"Go2NetWatch/internal/model"
	"time"
)

// ApplicationView is an application row as served by the API.
type ApplicationView struct {
	AppID     string    `json:"appId"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Publisher string    `json:"publisher"`
	FirstSeen time.Time `json:"firstSeen"`
}

func applicationView(a model.Application) ApplicationView {
	return ApplicationView{AppID: a.AppID, Name: a.Name, Path: a.Path, Publisher: a.Publisher, FirstSeen: a.FirstSeen}
}

type AppSampleView struct {
	Timestamp     time.Time `json:"timestamp"`
	Protocol      string    `json:"protocol"`
	LocalAddr     string    `json:"localAddr"`
	LocalPort     uint16    `json:"localPort"`
	RemoteAddr    string    `json:"remoteAddr"`
	RemotePort    uint16    `json:"remotePort"`
	UploadBytes   uint64    `json:"uploadBytes"`
	DownloadBytes uint64    `json:"downloadBytes"`
}

func appSampleView(s model.AppTrafficSample) AppSampleView {
	return AppSampleView{
		Timestamp:     s.Timestamp,
		Protocol:      s.Protocol.String(),
		LocalAddr:     s.LocalAddr,
		LocalPort:     s.LocalPort,
		RemoteAddr:    s.RemoteAddr,
		RemotePort:    s.RemotePort,
		UploadBytes:   s.UploadBytes,
		DownloadBytes: s.DownloadBytes,
	}
}

type TrafficSampleView struct {
	Timestamp     time.Time `json:"timestamp"`
	UploadBytes   uint64    `json:"uploadBytes"`
	DownloadBytes uint64    `json:"downloadBytes"`
}

func trafficSampleView(s model.TrafficSample) TrafficSampleView {
	return TrafficSampleView{Timestamp: s.Timestamp, UploadBytes: s.UploadBytes, DownloadBytes: s.DownloadBytes}
}

// AppBucketView is one rollup bucket of an application. BucketStart is unix seconds.
type AppBucketView struct {
	Resolution          string `json:"resolution"`
	BucketStart         int64  `json:"bucketStart"`
	TotalUpload         uint64 `json:"totalUpload"`
	TotalDownload       uint64 `json:"totalDownload"`
	PeakUpload          uint64 `json:"peakUpload"`
	PeakDownload        uint64 `json:"peakDownload"`
	RecordCount         uint64 `json:"recordCount"`
	DistinctRemoteIPs   uint64 `json:"distinctRemoteIps"`
	DistinctRemotePorts uint64 `json:"distinctRemotePorts"`
}

func appBucketView(b model.AppBucket) AppBucketView {
	return AppBucketView{
		Resolution:          b.Resolution.String(),
		BucketStart:         b.BucketStart,
		TotalUpload:         b.TotalUpload,
		TotalDownload:       b.TotalDownload,
		PeakUpload:          b.PeakUpload,
		PeakDownload:        b.PeakDownload,
		RecordCount:         b.RecordCount,
		DistinctRemoteIPs:   b.DistinctRemoteIPs,
		DistinctRemotePorts: b.DistinctRemotePorts,
	}
}

// InterfaceBucketView is one rollup bucket of an interface. BucketStart is unix seconds.
type InterfaceBucketView struct {
	Resolution    string  `json:"resolution"`
	BucketStart   int64   `json:"bucketStart"`
	TotalUpload   uint64  `json:"totalUpload"`
	TotalDownload uint64  `json:"totalDownload"`
	AvgUpload     float64 `json:"avgUpload"`
	AvgDownload   float64 `json:"avgDownload"`
	MaxUpload     uint64  `json:"maxUpload"`
	MaxDownload   uint64  `json:"maxDownload"`
	RecordCount   uint64  `json:"recordCount"`
}

func interfaceBucketView(b model.InterfaceBucket) InterfaceBucketView {
	return InterfaceBucketView{
		Resolution:    b.Resolution.String(),
		BucketStart:   b.BucketStart,
		TotalUpload:   b.TotalUpload,
		TotalDownload: b.TotalDownload,
		AvgUpload:     b.AvgUpload,
		AvgDownload:   b.AvgDownload,
		MaxUpload:     b.MaxUpload,
		MaxDownload:   b.MaxDownload,
		RecordCount:   b.RecordCount,
	}
}
