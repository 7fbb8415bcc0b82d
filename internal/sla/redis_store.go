package sla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/slaengine/internal/database"
)

// markFiredScript returns 1 on transition, 0 when already fired and -1 when
// the timer does not exist. KEYS: timer hash, due zset. ARGV: fired_ms, id.
var markFiredScript = redis.NewScript(`
local fired = redis.call('HGET', KEYS[1], 'fired')
if not fired then
	return -1
end
if fired == '1' then
	return 0
end
redis.call('HSET', KEYS[1], 'fired', '1', 'fired_ms', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// RedisStore keeps each timer in a hash, unfired timers in a sorted set
// scored by deadline, and an index set per incident.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sla"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// WithClock replaces the clock used for fired_at.
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.now = now
	return s
}

func (s *RedisStore) timerKey(id string) string {
	return s.prefix + ":timer:" + id
}

func (s *RedisStore) dueKey() string {
	return s.prefix + ":due"
}

func (s *RedisStore) incidentKey(incidentID string) string {
	return s.prefix + ":incident:" + incidentID
}

func (s *RedisStore) Create(ctx context.Context, t Timer) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	key := s.timerKey(t.ID)
	fresh, err := s.client.HSetNX(ctx, key, "id", t.ID).Result()
	if err != nil {
		return fmt.Errorf("failed to create timer %s: %w: %w", t.ID, ErrStoreUnavailable, err)
	}
	if !fresh {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidTimer, t.ID)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"incident_id", t.IncidentID,
			"kind", t.Kind,
			"deadline_ms", t.Deadline.UnixMilli(),
			"fired", "0",
			"created_ms", t.CreatedAt.UnixMilli(),
		)
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(t.Deadline.UnixMilli()), Member: t.ID})
		pipe.SAdd(ctx, s.incidentKey(t.IncidentID), t.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create timer %s: %w: %w", t.ID, ErrStoreUnavailable, err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Timer, error) {
	fields, err := s.client.HGetAll(ctx, s.timerKey(id)).Result()
	if err != nil {
		return Timer{}, fmt.Errorf("failed to get timer %s: %w: %w", id, ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return Timer{}, ErrTimerNotFound
	}
	return parseTimer(fields)
}

func (s *RedisStore) ListByIncident(ctx context.Context, incidentID string) ([]Timer, error) {
	ids, err := s.client.SMembers(ctx, s.incidentKey(incidentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list timers: %w: %w", ErrStoreUnavailable, err)
	}

	timers, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	sort.Slice(timers, func(i, j int) bool {
		if timers[i].Deadline.Equal(timers[j].Deadline) {
			return timers[i].ID < timers[j].ID
		}
		return timers[i].Deadline.Before(timers[j].Deadline)
	})

	return timers, nil
}

func (s *RedisStore) FindDue(ctx context.Context, now time.Time) ([]Timer, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find due timers: %w: %w", ErrStoreUnavailable, err)
	}

	timers, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	due := timers[:0]
	for _, t := range timers {
		if t.DueAt(now) {
			due = append(due, t)
		}
	}

	return due, nil
}

func (s *RedisStore) TryMarkFired(ctx context.Context, id string) (bool, error) {
	res, err := markFiredScript.Run(ctx, s.client,
		[]string{s.timerKey(id), s.dueKey()},
		s.now().UnixMilli(), id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to mark timer %s fired: %w: %w", id, ErrStoreUnavailable, err)
	}

	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, ErrTimerNotFound
	}
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]Timer, error) {
	if len(ids) == 0 {
		return []Timer{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.timerKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load timers: %w: %w", ErrStoreUnavailable, err)
	}

	timers := make([]Timer, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := parseTimer(fields)
		if err != nil {
			return nil, err
		}
		timers = append(timers, t)
	}

	return timers, nil
}

func parseTimer(fields map[string]string) (Timer, error) {
	deadlineMS, err := strconv.ParseInt(fields["deadline_ms"], 10, 64)
	if err != nil {
		return Timer{}, fmt.Errorf("timer %s: bad deadline: %w", fields["id"], err)
	}
	createdMS, _ := strconv.ParseInt(fields["created_ms"], 10, 64)

	t := Timer{
		ID:         fields["id"],
		IncidentID: fields["incident_id"],
		Kind:       fields["kind"],
		Deadline:   database.MillisToTime(deadlineMS),
		Fired:      fields["fired"] == "1",
		CreatedAt:  database.MillisToTime(createdMS),
	}

	if raw, ok := fields["fired_ms"]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			at := database.MillisToTime(ms)
			t.FiredAt = &at
		}
	}

	return t, nil
}
