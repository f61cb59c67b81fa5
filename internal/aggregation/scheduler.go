package aggregation

import (
	"Go2NetWatch/internal/logging"
	"Go2NetWatch/internal/model"
	"Go2NetWatch/internal/storage"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrAggregationIncomplete is returned when at least one entity failed to aggregate;
// cleanup is skipped for that run.
var ErrAggregationIncomplete = errors.New("aggregation incomplete")

// Report summarizes one scheduler run.
type Report struct {
	Entities       int              `json:"entities"`
	Failed         int              `json:"failed"`
	BucketsCreated int              `json:"bucketsCreated"`
	Deleted        map[string]int64 `json:"deleted"`
	CleanupRan     bool             `json:"cleanupRan"`
}

// Scheduler periodically rolls raw samples up the resolution ladder and prunes rows that
// coarser buckets have superseded. All repository work goes through the coordinator.
type Scheduler struct {
	coord     *storage.Coordinator
	interval  time.Duration
	retention Retention
	now       func() time.Time
	log       *zap.SugaredLogger
}

func NewScheduler(coord *storage.Coordinator, interval time.Duration, retention Retention) *Scheduler {
	return &Scheduler{
		coord:     coord,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		log:       logging.L("aggregation"),
	}
}

// Run executes RunOnce every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, s.now()); err != nil {
				s.log.Warnf("Aggregation run: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce flushes pending batches, aggregates every entity and, only if every entity
// succeeded, deletes superseded rows.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (Report, error) {
	report := Report{Deleted: make(map[string]int64)}
	start := time.Now()

	if err := s.coord.Flush(ctx); err != nil {
		return report, fmt.Errorf("flush before aggregation: %w", err)
	}

	apps, err := s.entities(ctx, func(ctx context.Context, repo storage.Repository) ([]string, error) {
		return repo.AppEntities(ctx)
	})
	if err != nil {
		return report, err
	}
	ifaces, err := s.entities(ctx, func(ctx context.Context, repo storage.Repository) ([]string, error) {
		return repo.InterfaceEntities(ctx)
	})
	if err != nil {
		return report, err
	}

	for _, id := range apps {
		report.Entities++
		n, err := s.submitCount(ctx, storage.KindAggregate, func(ctx context.Context, repo storage.Repository) (int, error) {
			return aggregateApp(ctx, repo, id, now)
		})
		report.BucketsCreated += n
		if err != nil {
			report.Failed++
			s.log.Errorw("Application aggregation failed", "app", id, "error", err)
		}
	}
	for _, id := range ifaces {
		report.Entities++
		n, err := s.submitCount(ctx, storage.KindAggregate, func(ctx context.Context, repo storage.Repository) (int, error) {
			return aggregateInterface(ctx, repo, id, now)
		})
		report.BucketsCreated += n
		if err != nil {
			report.Failed++
			s.log.Errorw("Interface aggregation failed", "interface", id, "error", err)
		}
	}

	if report.Failed > 0 {
		s.log.Warnf("Skipping cleanup: %d of %d entities failed to aggregate", report.Failed, report.Entities)
		return report, fmt.Errorf("%w: %d of %d entities failed", ErrAggregationIncomplete, report.Failed, report.Entities)
	}

	v, err := s.coord.Submit(ctx, storage.KindCleanup, func(ctx context.Context, repo storage.Repository) (any, error) {
		return cleanup(ctx, repo, now, s.retention)
	})
	if err != nil {
		return report, fmt.Errorf("cleanup: %w", err)
	}
	report.Deleted = v.(map[string]int64)
	report.CleanupRan = true

	s.log.Infow("Aggregation run finished",
		"entities", report.Entities,
		"buckets_created", report.BucketsCreated,
		"deleted", report.Deleted,
		"took", time.Since(start).String())
	return report, nil
}

func (s *Scheduler) entities(ctx context.Context, list func(context.Context, storage.Repository) ([]string, error)) ([]string, error) {
	v, err := s.coord.Submit(ctx, storage.KindAggregate, func(ctx context.Context, repo storage.Repository) (any, error) {
		return list(ctx, repo)
	})
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return v.([]string), nil
}

func (s *Scheduler) submitCount(ctx context.Context, kind storage.Kind, op func(context.Context, storage.Repository) (int, error)) (int, error) {
	v, err := s.coord.Submit(ctx, kind, func(ctx context.Context, repo storage.Repository) (any, error) {
		return op(ctx, repo)
	})
	n, _ := v.(int)
	return n, err
}

// aggregateApp walks the application ladder raw -> hourly -> daily -> weekly -> monthly.
// Each insert is guarded by an existence check, so reruns create nothing new.
func aggregateApp(ctx context.Context, repo storage.Repository, appID string, now time.Time) (int, error) {
	created := 0
	hourly, err := repo.SummarizeAppRaw(ctx, appID, 0, completedHours(now))
	if err != nil {
		return created, fmt.Errorf("summarize raw: %w", err)
	}
	n, err := insertAppBuckets(ctx, repo, hourly, now)
	created += n
	if err != nil {
		return created, err
	}

	for _, st := range appLadder {
		buckets, err := repo.SummarizeAppBuckets(ctx, appID, st.src, st.dst, 0, rollCutoff(now, st))
		if err != nil {
			return created, fmt.Errorf("summarize %s -> %s: %w", st.src, st.dst, err)
		}
		n, err := insertAppBuckets(ctx, repo, buckets, now)
		created += n
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

func insertAppBuckets(ctx context.Context, repo storage.Repository, buckets []model.AppBucket, now time.Time) (int, error) {
	created := 0
	for _, b := range buckets {
		exists, err := repo.AppBucketExists(ctx, b.AppID, b.Resolution, b.BucketStart)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		b.CreatedAt = now.UTC()
		if err := repo.InsertAppBucket(ctx, b); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// aggregateInterface walks the interface ladder, which stops at weekly.
func aggregateInterface(ctx context.Context, repo storage.Repository, interfaceID string, now time.Time) (int, error) {
	created := 0
	hourly, err := repo.SummarizeInterfaceRaw(ctx, interfaceID, 0, completedHours(now))
	if err != nil {
		return created, fmt.Errorf("summarize raw: %w", err)
	}
	n, err := insertInterfaceBuckets(ctx, repo, hourly, now)
	created += n
	if err != nil {
		return created, err
	}

	for _, st := range interfaceLadder {
		buckets, err := repo.SummarizeInterfaceBuckets(ctx, interfaceID, st.src, st.dst, 0, rollCutoff(now, st))
		if err != nil {
			return created, fmt.Errorf("summarize %s -> %s: %w", st.src, st.dst, err)
		}
		n, err := insertInterfaceBuckets(ctx, repo, buckets, now)
		created += n
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

func insertInterfaceBuckets(ctx context.Context, repo storage.Repository, buckets []model.InterfaceBucket, now time.Time) (int, error) {
	created := 0
	for _, b := range buckets {
		exists, err := repo.InterfaceBucketExists(ctx, b.InterfaceID, b.Resolution, b.BucketStart)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		b.CreatedAt = now.UTC()
		if err := repo.InsertInterfaceBucket(ctx, b); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// cleanup deletes rows past retention. Every delete is restricted to rows whose next
// coarser bucket exists, so nothing is lost before it has been rolled up.
func cleanup(ctx context.Context, repo storage.Repository, now time.Time, r Retention) (map[string]int64, error) {
	deleted := make(map[string]int64)
	var errs []error

	record := func(name string, n int64, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		deleted[name] = n
	}

	n, err := repo.DeleteAppRawSuperseded(ctx, deleteBefore(now, r.AppRaw))
	record("app_raw", n, err)
	n, err = repo.DeleteAppBucketsSuperseded(ctx, model.ResolutionDaily, deleteBefore(now, r.AppDaily))
	record("app_daily", n, err)
	n, err = repo.DeleteAppBucketsSuperseded(ctx, model.ResolutionWeekly, deleteBefore(now, r.AppWeekly))
	record("app_weekly", n, err)
	n, err = repo.DeleteInterfaceRawSuperseded(ctx, deleteBefore(now, r.InterfaceRaw))
	record("interface_raw", n, err)
	n, err = repo.DeleteInterfaceBucketsSuperseded(ctx, model.ResolutionDaily, deleteBefore(now, r.InterfaceDaily))
	record("interface_daily", n, err)

	return deleted, errors.Join(errs...)
}
