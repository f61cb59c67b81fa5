package storage

import (
	"Go2NetWatch/internal/model"
	"sort"
)

// The rollup helpers group rows in Go for repositories that cannot push the
// grouping down to the store.

type appAcc struct {
	bucket model.AppBucket
	ips    map[string]struct{}
	ports  map[uint16]struct{}
}

func summarizeAppSamples(appID string, samples []model.AppTrafficSample, from, to int64) []model.AppBucket {
	groups := make(map[int64]*appAcc)
	for _, s := range samples {
		ts := s.Timestamp.Unix()
		if s.AppID != appID || ts < from || ts >= to {
			continue
		}
		start := model.FloorUnix(ts, model.ResolutionHourly)
		acc, ok := groups[start]
		if !ok {
			acc = &appAcc{
				bucket: model.AppBucket{AppID: appID, Resolution: model.ResolutionHourly, BucketStart: start},
				ips:    make(map[string]struct{}),
				ports:  make(map[uint16]struct{}),
			}
			groups[start] = acc
		}
		b := &acc.bucket
		b.TotalUpload += s.UploadBytes
		b.TotalDownload += s.DownloadBytes
		b.PeakUpload = max(b.PeakUpload, s.UploadBytes)
		b.PeakDownload = max(b.PeakDownload, s.DownloadBytes)
		b.RecordCount++
		acc.ips[s.RemoteAddr] = struct{}{}
		acc.ports[s.RemotePort] = struct{}{}
	}

	out := make([]model.AppBucket, 0, len(groups))
	for _, acc := range groups {
		acc.bucket.DistinctRemoteIPs = uint64(len(acc.ips))
		acc.bucket.DistinctRemotePorts = uint64(len(acc.ports))
		out = append(out, acc.bucket)
	}
	sortAppBuckets(out)
	return out
}

// mergeAppBuckets rolls finer buckets into dst. Distinct counts of the finer buckets
// cannot be unioned, so the coarser bucket keeps their maximum.
func mergeAppBuckets(appID string, buckets []model.AppBucket, dst model.Resolution, from, to int64) []model.AppBucket {
	groups := make(map[int64]*model.AppBucket)
	for _, fine := range buckets {
		if fine.AppID != appID || fine.BucketStart < from || fine.BucketStart >= to {
			continue
		}
		start := model.FloorUnix(fine.BucketStart, dst)
		b, ok := groups[start]
		if !ok {
			b = &model.AppBucket{AppID: appID, Resolution: dst, BucketStart: start}
			groups[start] = b
		}
		b.TotalUpload += fine.TotalUpload
		b.TotalDownload += fine.TotalDownload
		b.PeakUpload = max(b.PeakUpload, fine.PeakUpload)
		b.PeakDownload = max(b.PeakDownload, fine.PeakDownload)
		b.RecordCount += fine.RecordCount
		b.DistinctRemoteIPs = max(b.DistinctRemoteIPs, fine.DistinctRemoteIPs)
		b.DistinctRemotePorts = max(b.DistinctRemotePorts, fine.DistinctRemotePorts)
	}

	out := make([]model.AppBucket, 0, len(groups))
	for _, b := range groups {
		out = append(out, *b)
	}
	sortAppBuckets(out)
	return out
}

func summarizeTrafficSamples(interfaceID string, samples []model.TrafficSample, from, to int64) []model.InterfaceBucket {
	groups := make(map[int64]*model.InterfaceBucket)
	for _, s := range samples {
		ts := s.Timestamp.Unix()
		if s.InterfaceID != interfaceID || ts < from || ts >= to {
			continue
		}
		start := model.FloorUnix(ts, model.ResolutionHourly)
		b, ok := groups[start]
		if !ok {
			b = &model.InterfaceBucket{InterfaceID: interfaceID, Resolution: model.ResolutionHourly, BucketStart: start}
			groups[start] = b
		}
		b.TotalUpload += s.UploadBytes
		b.TotalDownload += s.DownloadBytes
		b.MaxUpload = max(b.MaxUpload, s.UploadBytes)
		b.MaxDownload = max(b.MaxDownload, s.DownloadBytes)
		b.RecordCount++
	}
	return finishInterfaceBuckets(groups)
}

// mergeInterfaceBuckets rolls finer buckets into dst. Averages are weighted by record count.
func mergeInterfaceBuckets(interfaceID string, buckets []model.InterfaceBucket, dst model.Resolution, from, to int64) []model.InterfaceBucket {
	groups := make(map[int64]*model.InterfaceBucket)
	for _, fine := range buckets {
		if fine.InterfaceID != interfaceID || fine.BucketStart < from || fine.BucketStart >= to {
			continue
		}
		start := model.FloorUnix(fine.BucketStart, dst)
		b, ok := groups[start]
		if !ok {
			b = &model.InterfaceBucket{InterfaceID: interfaceID, Resolution: dst, BucketStart: start}
			groups[start] = b
		}
		b.TotalUpload += fine.TotalUpload
		b.TotalDownload += fine.TotalDownload
		b.MaxUpload = max(b.MaxUpload, fine.MaxUpload)
		b.MaxDownload = max(b.MaxDownload, fine.MaxDownload)
		b.RecordCount += fine.RecordCount
	}
	return finishInterfaceBuckets(groups)
}

func finishInterfaceBuckets(groups map[int64]*model.InterfaceBucket) []model.InterfaceBucket {
	out := make([]model.InterfaceBucket, 0, len(groups))
	for _, b := range groups {
		if b.RecordCount > 0 {
			b.AvgUpload = float64(b.TotalUpload) / float64(b.RecordCount)
			b.AvgDownload = float64(b.TotalDownload) / float64(b.RecordCount)
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart < out[j].BucketStart })
	return out
}

func sortAppBuckets(b []model.AppBucket) {
	sort.Slice(b, func(i, j int) bool { return b[i].BucketStart < b[j].BucketStart })
}
