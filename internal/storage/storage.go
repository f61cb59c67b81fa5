package storage

import (
	"Go2NetWatch/internal/model"
	"context"
	"errors"
	"time"
)

var (
	// ErrCoordinatorClosed is returned for work submitted after Close.
	ErrCoordinatorClosed = errors.New("storage coordinator closed")
	// ErrQueueFull is returned when a non-blocking enqueue finds no free slot.
	ErrQueueFull = errors.New("storage queue full")
	// ErrDuplicateBucket is returned when a bucket already exists for (entity, bucketStart).
	ErrDuplicateBucket = errors.New("bucket already exists")
	// ErrUnsupportedResolution is returned for a resolution a table set does not have.
	ErrUnsupportedResolution = errors.New("unsupported resolution")
)

// Reader is the read-only query surface. Reads may run concurrently with the single writer.
type Reader interface {
	Applications(ctx context.Context) ([]model.Application, error)
	Interfaces(ctx context.Context) ([]string, error)
	AppSamples(ctx context.Context, appID string, from, to time.Time) ([]model.AppTrafficSample, error)
	AppRange(ctx context.Context, appID string, res model.Resolution, from, to time.Time) ([]model.AppBucket, error)
	InterfaceSamples(ctx context.Context, interfaceID string, from, to time.Time) ([]model.TrafficSample, error)
	InterfaceRange(ctx context.Context, interfaceID string, res model.Resolution, from, to time.Time) ([]model.InterfaceBucket, error)
}

// Repository is the backing store. Every method except the Reader ones must only be
// called from the coordinator's consumer.
type Repository interface {
	Reader

	ApplicationExists(ctx context.Context, appID string) (bool, error)
	InsertApplication(ctx context.Context, app model.Application) error
	InsertAppSamples(ctx context.Context, samples []model.AppTrafficSample) error
	InsertTrafficSamples(ctx context.Context, samples []model.TrafficSample) error

	// AppEntities and InterfaceEntities list every entity with raw rows or buckets.
	AppEntities(ctx context.Context) ([]string, error)
	InterfaceEntities(ctx context.Context) ([]string, error)

	// SummarizeAppRaw groups raw rows with from <= ts < to into hourly buckets.
	SummarizeAppRaw(ctx context.Context, appID string, from, to int64) ([]model.AppBucket, error)
	// SummarizeAppBuckets groups src buckets with from <= start < to into dst buckets.
	SummarizeAppBuckets(ctx context.Context, appID string, src, dst model.Resolution, from, to int64) ([]model.AppBucket, error)
	SummarizeInterfaceRaw(ctx context.Context, interfaceID string, from, to int64) ([]model.InterfaceBucket, error)
	SummarizeInterfaceBuckets(ctx context.Context, interfaceID string, src, dst model.Resolution, from, to int64) ([]model.InterfaceBucket, error)

	AppBucketExists(ctx context.Context, appID string, res model.Resolution, start int64) (bool, error)
	InterfaceBucketExists(ctx context.Context, interfaceID string, res model.Resolution, start int64) (bool, error)
	InsertAppBucket(ctx context.Context, b model.AppBucket) error
	InsertInterfaceBucket(ctx context.Context, b model.InterfaceBucket) error

	// The Delete*Superseded methods remove rows older than before only where the
	// covering bucket of the next coarser resolution exists. They return the row count removed.
	DeleteAppRawSuperseded(ctx context.Context, before int64) (int64, error)
	DeleteAppBucketsSuperseded(ctx context.Context, res model.Resolution, before int64) (int64, error)
	DeleteInterfaceRawSuperseded(ctx context.Context, before int64) (int64, error)
	DeleteInterfaceBucketsSuperseded(ctx context.Context, res model.Resolution, before int64) (int64, error)

	Close() error
}

// AppResolutions are the bucket tables kept for applications.
var AppResolutions = []model.Resolution{model.ResolutionHourly, model.ResolutionDaily, model.ResolutionWeekly, model.ResolutionMonthly}

// InterfaceResolutions are the bucket tables kept for interfaces; there is no monthly table.
var InterfaceResolutions = []model.Resolution{model.ResolutionHourly, model.ResolutionDaily, model.ResolutionWeekly}

func hasResolution(set []model.Resolution, r model.Resolution) bool {
	for _, s := range set {
		if s == r {
			return true
		}
	}
	return false
}
