package redisadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
)

const (
	jobsKey        = "dispatch:jobs"          // ZSET member -> fire time (unix millis)
	jobPayloadsKey = "dispatch:jobs:payloads" // HASH member -> payload JSON
)

// popDueScript pops every job due at or before ARGV[1], returning
// alternating member/payload pairs. Each due job is handed to exactly
// one worker poll.
var popDueScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
if #due == 0 then
    return {}
end
local out = {}
for _, member in ipairs(due) do
    local payload = redis.call("HGET", KEYS[2], member)
    redis.call("ZREM", KEYS[1], member)
    redis.call("HDEL", KEYS[2], member)
    out[#out+1] = member
    out[#out+1] = payload
end
return out
`)

// JobStore schedules delayed jobs in a Redis sorted set keyed by fire
// time. Members are "<name>|<correlation>" so that pending jobs can be
// cancelled by correlation prefix without a full scan of payloads.
type JobStore struct {
	client *redis.Client
}

func NewJobStore(client *redis.Client) *JobStore {
	return &JobStore{client: client}
}

func jobMember(name, correlation string) string {
	return name + "|" + correlation
}

// Schedule registers a job to fire after delay. A second schedule with
// the same name and correlation replaces the first.
func (s *JobStore) Schedule(ctx context.Context, name, correlation string, payload []byte, delay time.Duration) error {
	member := jobMember(name, correlation)
	fireAt := time.Now().Add(delay).UnixMilli()

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, jobsKey, redis.Z{Score: float64(fireAt), Member: member})
	pipe.HSet(ctx, jobPayloadsKey, member, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("job store: schedule %s: %w", name, err)
	}
	return nil
}

// CancelByCorrelation removes every pending job whose correlation starts
// with the given prefix. Cancelling a job that already fired is a no-op;
// handlers stay idempotent for that reason.
func (s *JobStore) CancelByCorrelation(ctx context.Context, name, correlationPrefix string) (int64, error) {
	pattern := jobMember(name, correlationPrefix) + "*"

	var (
		cancelled int64
		cursor    uint64
	)
	for {
		members, next, err := s.client.ZScan(ctx, jobsKey, cursor, pattern, 100).Result()
		if err != nil {
			return cancelled, fmt.Errorf("job store: scan %s: %w", pattern, err)
		}

		// ZSCAN yields member, score pairs; keep the members only.
		for i := 0; i < len(members); i += 2 {
			member := members[i]
			pipe := s.client.TxPipeline()
			removed := pipe.ZRem(ctx, jobsKey, member)
			pipe.HDel(ctx, jobPayloadsKey, member)
			if _, err := pipe.Exec(ctx); err != nil {
				return cancelled, fmt.Errorf("job store: cancel %s: %w", member, err)
			}
			cancelled += removed.Val()
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return cancelled, nil
}

// PopDue atomically claims up to limit jobs due at or before now.
func (s *JobStore) PopDue(ctx context.Context, now time.Time, limit int) ([]models.DelayedJob, error) {
	res, err := popDueScript.Run(ctx, s.client,
		[]string{jobsKey, jobPayloadsKey},
		now.UnixMilli(), limit,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("job store: pop due: %w", err)
	}

	parts, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("job store: pop due returned unexpected shape %T", res)
	}

	jobs := make([]models.DelayedJob, 0, len(parts)/2)
	for i := 0; i+1 < len(parts); i += 2 {
		member, _ := parts[i].(string)
		name, correlation := splitJobMember(member)

		job := models.DelayedJob{Name: name, Correlation: correlation}
		if payload, ok := parts[i+1].(string); ok {
			job.Payload = []byte(payload)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PendingCount returns the number of scheduled jobs not yet fired.
func (s *JobStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, jobsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("job store: pending count: %w", err)
	}
	return n, nil
}

func splitJobMember(member string) (name, correlation string) {
	for i := 0; i < len(member); i++ {
		if member[i] == '|' {
			return member[:i], member[i+1:]
		}
	}
	return member, ""
}
