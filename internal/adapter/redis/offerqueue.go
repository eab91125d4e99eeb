package redisadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
)

// Key layout. The reverse index is what keeps trip-wide cleanup
// O(queued drivers) instead of a scan over every driver queue.
const (
	queueKeyPrefix  = "dispatch:queue:"         // + driverID, ZSET tripID -> composite score
	itemsKeySuffix  = ":items"                  // HASH tripID -> item JSON
	revKeyPrefix    = "dispatch:trip:"          // + tripID, SET of driverIDs
	revKeySuffix    = ":queued"
	activeKeyPrefix = "dispatch:active:"        // + driverID, STRING tripID with TTL
	queueIndexKey   = "dispatch:queue:drivers"  // SET of driverIDs with live queues
)

// popScript removes and returns the lowest-score item in one round trip.
// Two concurrent pops can never see the same member.
//
// KEYS[1] queue zset, KEYS[2] items hash, KEYS[3] queue index set
// ARGV[1] reverse-index key prefix, ARGV[2] reverse-index key suffix, ARGV[3] driver id
var popScript = redis.NewScript(`
local popped = redis.call("ZPOPMIN", KEYS[1])
if #popped == 0 then
    redis.call("SREM", KEYS[3], ARGV[3])
    return false
end
local trip = popped[1]
local payload = redis.call("HGET", KEYS[2], trip)
redis.call("HDEL", KEYS[2], trip)
redis.call("SREM", ARGV[1] .. trip .. ARGV[2], ARGV[3])
if redis.call("ZCARD", KEYS[1]) == 0 then
    redis.call("SREM", KEYS[3], ARGV[3])
end
return {trip, payload}
`)

// clearActiveIfScript clears the active-offer slot only while it still
// points at the expected trip.
var clearActiveIfScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// OfferQueue is the per-driver persistent offer queue plus the single
// active-offer slot, backed by Redis.
type OfferQueue struct {
	client *redis.Client
}

func NewOfferQueue(client *redis.Client) *OfferQueue {
	return &OfferQueue{client: client}
}

func queueKey(driverID uuid.UUID) string {
	return queueKeyPrefix + driverID.String()
}

func itemsKey(driverID uuid.UUID) string {
	return queueKey(driverID) + itemsKeySuffix
}

func revKey(tripID uuid.UUID) string {
	return revKeyPrefix + tripID.String() + revKeySuffix
}

func activeKey(driverID uuid.UUID) string {
	return activeKeyPrefix + driverID.String()
}

// Enqueue inserts a trip offer into the driver's queue and records the
// driver in the trip's reverse index.
func (q *OfferQueue) Enqueue(ctx context.Context, driverID uuid.UUID, item models.OfferQueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("offer queue: marshal item: %w", err)
	}

	member := item.TripID.String()

	pipe := q.client.TxPipeline()
	pipe.ZAdd(ctx, queueKey(driverID), redis.Z{
		Score:  EncodeScore(item.Priority, item.EnqueuedAt),
		Member: member,
	})
	pipe.HSet(ctx, itemsKey(driverID), member, payload)
	pipe.SAdd(ctx, revKey(item.TripID), driverID.String())
	pipe.SAdd(ctx, queueIndexKey, driverID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("offer queue: enqueue: %w", err)
	}
	return nil
}

// PeekNext returns the lowest-score item without removing it, or nil for
// an empty queue.
func (q *OfferQueue) PeekNext(ctx context.Context, driverID uuid.UUID) (*models.OfferQueueItem, error) {
	members, err := q.client.ZRangeWithScores(ctx, queueKey(driverID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("offer queue: peek: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	member, _ := members[0].Member.(string)
	payload, err := q.client.HGet(ctx, itemsKey(driverID), member).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("offer queue: peek payload: %w", err)
	}

	return unmarshalItem([]byte(payload))
}

// PopNext atomically removes and returns the lowest-score item, or nil
// for an empty queue.
func (q *OfferQueue) PopNext(ctx context.Context, driverID uuid.UUID) (*models.OfferQueueItem, error) {
	res, err := popScript.Run(ctx, q.client,
		[]string{queueKey(driverID), itemsKey(driverID), queueIndexKey},
		revKeyPrefix, revKeySuffix, driverID.String(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("offer queue: pop: %w", err)
	}

	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return nil, fmt.Errorf("offer queue: pop returned unexpected shape %T", res)
	}

	payload, ok := parts[1].(string)
	if !ok {
		// Member existed without a payload; treat as an empty slot.
		return nil, nil
	}
	return unmarshalItem([]byte(payload))
}

// RemoveSpecific removes one (driver, trip) queue entry. Reports whether
// the entry existed.
func (q *OfferQueue) RemoveSpecific(ctx context.Context, driverID, tripID uuid.UUID) (bool, error) {
	member := tripID.String()

	pipe := q.client.TxPipeline()
	removed := pipe.ZRem(ctx, queueKey(driverID), member)
	pipe.HDel(ctx, itemsKey(driverID), member)
	pipe.SRem(ctx, revKey(tripID), driverID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("offer queue: remove specific: %w", err)
	}
	return removed.Val() > 0, nil
}

// RemoveAllForDriver drops every queued offer for the driver and cleans
// the reverse indexes. Returns the number of removed entries.
func (q *OfferQueue) RemoveAllForDriver(ctx context.Context, driverID uuid.UUID) (int64, error) {
	members, err := q.client.ZRange(ctx, queueKey(driverID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("offer queue: list for driver: %w", err)
	}

	pipe := q.client.TxPipeline()
	for _, m := range members {
		if tripID, err := uuid.Parse(m); err == nil {
			pipe.SRem(ctx, revKey(tripID), driverID.String())
		}
	}
	pipe.Del(ctx, queueKey(driverID), itemsKey(driverID))
	pipe.SRem(ctx, queueIndexKey, driverID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("offer queue: remove all for driver: %w", err)
	}
	return int64(len(members)), nil
}

// RemoveFromAllDrivers removes the trip from every queue it sits in,
// via the reverse index rather than a scan.
func (q *OfferQueue) RemoveFromAllDrivers(ctx context.Context, tripID uuid.UUID) (models.RemovedFromAll, error) {
	var out models.RemovedFromAll

	driverIDs, err := q.DriversQueuedForTrip(ctx, tripID)
	if err != nil {
		return out, err
	}
	if len(driverIDs) == 0 {
		return out, nil
	}

	member := tripID.String()
	pipe := q.client.TxPipeline()
	removes := make([]*redis.IntCmd, 0, len(driverIDs))
	for _, driverID := range driverIDs {
		removes = append(removes, pipe.ZRem(ctx, queueKey(driverID), member))
		pipe.HDel(ctx, itemsKey(driverID), member)
	}
	pipe.Del(ctx, revKey(tripID))
	if _, err := pipe.Exec(ctx); err != nil {
		return out, fmt.Errorf("offer queue: remove from all drivers: %w", err)
	}

	for i, cmd := range removes {
		if cmd.Val() > 0 {
			out.Count += cmd.Val()
			out.AffectedDrivers = append(out.AffectedDrivers, driverIDs[i])
		}
	}
	return out, nil
}

// DriversQueuedForTrip lists the drivers whose queues currently hold the
// trip.
func (q *OfferQueue) DriversQueuedForTrip(ctx context.Context, tripID uuid.UUID) ([]uuid.UUID, error) {
	members, err := q.client.SMembers(ctx, revKey(tripID)).Result()
	if err != nil {
		return nil, fmt.Errorf("offer queue: reverse index: %w", err)
	}

	out := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// SetActiveOffer fills the driver's single active-offer slot, reporting
// false when another trip already holds it. The TTL is a crash safety
// net: if the process dies before arming the offer timeout, the slot
// self-clears and the sweep can recover the driver.
func (q *OfferQueue) SetActiveOffer(ctx context.Context, driverID, tripID uuid.UUID, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, activeKey(driverID), tripID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("offer queue: set active offer: %w", err)
	}
	return ok, nil
}

// GetActiveOffer returns the trip currently offered to the driver, or
// uuid.Nil when the slot is empty.
func (q *OfferQueue) GetActiveOffer(ctx context.Context, driverID uuid.UUID) (uuid.UUID, error) {
	val, err := q.client.Get(ctx, activeKey(driverID)).Result()
	if err == redis.Nil {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("offer queue: get active offer: %w", err)
	}

	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("offer queue: corrupt active offer %q: %w", val, err)
	}
	return id, nil
}

func (q *OfferQueue) ClearActiveOffer(ctx context.Context, driverID uuid.UUID) error {
	if err := q.client.Del(ctx, activeKey(driverID)).Err(); err != nil {
		return fmt.Errorf("offer queue: clear active offer: %w", err)
	}
	return nil
}

// ClearActiveOfferIf clears the slot only while it still points at
// tripID. Reports whether the slot was cleared.
func (q *OfferQueue) ClearActiveOfferIf(ctx context.Context, driverID, tripID uuid.UUID) (bool, error) {
	res, err := clearActiveIfScript.Run(ctx, q.client, []string{activeKey(driverID)}, tripID.String()).Int64()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("offer queue: conditional clear: %w", err)
	}
	return res > 0, nil
}

// QueueDepth returns the number of queued offers for the driver.
func (q *OfferQueue) QueueDepth(ctx context.Context, driverID uuid.UUID) (int64, error) {
	n, err := q.client.ZCard(ctx, queueKey(driverID)).Result()
	if err != nil {
		return 0, fmt.Errorf("offer queue: depth: %w", err)
	}
	return n, nil
}

// Stats dumps per-driver queue depth and active offers for every driver
// with a live queue.
func (q *OfferQueue) Stats(ctx context.Context) ([]models.QueueStats, error) {
	members, err := q.client.SMembers(ctx, queueIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("offer queue: stats index: %w", err)
	}

	out := make([]models.QueueStats, 0, len(members))
	for _, m := range members {
		driverID, err := uuid.Parse(m)
		if err != nil {
			continue
		}

		depth, err := q.QueueDepth(ctx, driverID)
		if err != nil {
			return nil, err
		}
		active, err := q.GetActiveOffer(ctx, driverID)
		if err != nil {
			return nil, err
		}

		stat := models.QueueStats{DriverID: driverID, QueueDepth: depth}
		if active != uuid.Nil {
			stat.ActiveTrip = &active
		}
		out = append(out, stat)
	}
	return out, nil
}

// PurgeStale removes queued offers older than maxAge across all drivers.
// Admin/sweep operation; not on the hot path.
func (q *OfferQueue) PurgeStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	members, err := q.client.SMembers(ctx, queueIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("offer queue: purge index: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var purged int64

	for _, m := range members {
		driverID, err := uuid.Parse(m)
		if err != nil {
			continue
		}

		items, err := q.client.HGetAll(ctx, itemsKey(driverID)).Result()
		if err != nil {
			return purged, fmt.Errorf("offer queue: purge items: %w", err)
		}

		for _, raw := range items {
			item, err := unmarshalItem([]byte(raw))
			if err != nil || item == nil {
				continue
			}
			if item.EnqueuedAt.Before(cutoff) {
				removed, err := q.RemoveSpecific(ctx, driverID, item.TripID)
				if err != nil {
					return purged, err
				}
				if removed {
					purged++
				}
			}
		}
	}
	return purged, nil
}

func unmarshalItem(raw []byte) (*models.OfferQueueItem, error) {
	var item models.OfferQueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("offer queue: unmarshal item: %w", err)
	}
	return &item, nil
}
