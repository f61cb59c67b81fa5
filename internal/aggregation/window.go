package aggregation

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/model"
	"time"
)

// Retention holds how long each resolution is kept before it may be deleted.
type Retention struct {
	AppRaw         time.Duration
	AppDaily       time.Duration
	AppWeekly      time.Duration
	InterfaceRaw   time.Duration
	InterfaceDaily time.Duration
}

// RetentionFromConfig converts validated retention strings.
func RetentionFromConfig(cfg config.RetentionConfig) Retention {
	return Retention{
		AppRaw:         config.MustDuration(cfg.AppRaw),
		AppDaily:       config.MustDuration(cfg.AppDaily),
		AppWeekly:      config.MustDuration(cfg.AppWeekly),
		InterfaceRaw:   config.MustDuration(cfg.InterfaceRaw),
		InterfaceDaily: config.MustDuration(cfg.InterfaceDaily),
	}
}

// Age cutoffs before a finer resolution is rolled into the next coarser one.
const (
	dailyRollAge   = 24 * time.Hour
	weeklyRollAge  = 7 * 24 * time.Hour
	monthlyRollAge = 30 * 24 * time.Hour
)

// step is one rung of the rollup ladder.
type step struct {
	src, dst model.Resolution
	age      time.Duration
}

var appLadder = []step{
	{model.ResolutionHourly, model.ResolutionDaily, dailyRollAge},
	{model.ResolutionDaily, model.ResolutionWeekly, weeklyRollAge},
	{model.ResolutionWeekly, model.ResolutionMonthly, monthlyRollAge},
}

var interfaceLadder = []step{
	{model.ResolutionHourly, model.ResolutionDaily, dailyRollAge},
	{model.ResolutionDaily, model.ResolutionWeekly, weeklyRollAge},
}

// completedHours is the exclusive end of the raw rows that may be rolled into hourly
// buckets: the start of the current hour.
func completedHours(now time.Time) int64 {
	return model.BucketStart(now, model.ResolutionHourly)
}

// rollCutoff is the exclusive end of the finer buckets a step may roll. Only whole dst
// windows lying entirely before now-age qualify, so a coarser bucket is never created
// from a window that can still grow.
func rollCutoff(now time.Time, s step) int64 {
	return model.FloorUnix(now.Add(-s.age).Unix(), s.dst)
}

// deleteBefore is the retention cutoff in unix seconds.
func deleteBefore(now time.Time, keep time.Duration) int64 {
	return now.Add(-keep).Unix()
}
