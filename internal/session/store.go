package session

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const metricsTTL = 7 * 24 * time.Hour

// Store keeps hourly relay counters per model in Redis hashes.
type Store struct {
	redis *redis.Client
	now   func() time.Time
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient, now: time.Now}
}

func (s *Store) currentKey(model string) string {
	now := s.now().UTC()
	return MetricsRedisKey(model, now.Format("2006-01-02"), now.Hour())
}

// RecordSession folds one closed relay session into the current hour.
func (s *Store) RecordSession(ctx context.Context, sum Summary) error {
	key := s.currentKey(sum.Model)

	modeField := "live_sessions"
	if sum.Mode == ModeFile {
		modeField = "file_sessions"
	}

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, "sessions", 1)
	pipe.HIncrBy(ctx, key, modeField, 1)
	fields := map[string]int64{
		"transcripts":       sum.Transcripts,
		"error_count":       sum.Errors,
		"dropped_frames":    sum.DroppedFrames,
		"replayed_chunks":   sum.ReplayedChunks,
		"total_duration_ms": sum.Duration.Milliseconds(),
	}
	for field, v := range fields {
		if v != 0 {
			pipe.HIncrBy(ctx, key, field, v)
		}
	}
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) GetMetrics(ctx context.Context, model string, hours int) ([]*Metrics, error) {
	now := s.now().UTC()
	metrics := make([]*Metrics, 0, hours)

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		key := MetricsRedisKey(model, t.Format("2006-01-02"), t.Hour())

		data, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}

		m := &Metrics{
			Model: model,
			Date:  t.Format("2006-01-02"),
			Hour:  t.Hour(),
		}
		m.Sessions = parseCount(data, "sessions")
		m.LiveSessions = parseCount(data, "live_sessions")
		m.FileSessions = parseCount(data, "file_sessions")
		m.Transcripts = parseCount(data, "transcripts")
		m.ErrorCount = parseCount(data, "error_count")
		m.DroppedFrames = parseCount(data, "dropped_frames")
		m.ReplayedChunks = parseCount(data, "replayed_chunks")
		if m.Sessions > 0 {
			m.AvgDurationMs = parseCount(data, "total_duration_ms") / m.Sessions
		}

		metrics = append(metrics, m)
	}

	return metrics, nil
}

func parseCount(data map[string]string, field string) int64 {
	v, _ := strconv.ParseInt(data[field], 10, 64)
	return v
}
