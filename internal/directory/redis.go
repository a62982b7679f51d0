package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kallelund/boretun/internal/obs"
)

const (
	keyPrefix         = "boretun:session:"
	redisKeyTTL       = 30 * time.Second
	heartbeatInterval = 10 * time.Second
)

// redisDirectory backs Directory with Redis so several tunnel-server
// processes sharing one Redis instance can report a combined session
// list. Each instance owns a small set of locally-registered session
// IDs that it heartbeats to keep their keys alive; List() does a bounded
// SCAN across all instances' keys. This mirrors
// github.com/matst80/showoff's redisStateStore, down to the caveat that
// a SessionInfo read back from Redis describes another instance's
// session and carries no live connection with it.
type redisDirectory struct {
	client     *redis.Client
	instanceID string

	mu    sync.Mutex
	owned map[uuid.UUID]SessionInfo

	stop chan struct{}
	wg   sync.WaitGroup
}

func newRedisDirectory(addr, password string, db int) (*redisDirectory, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("directory: redis connection failed: %w", err)
	}
	d := &redisDirectory{
		client:     client,
		instanceID: fmt.Sprintf("boretun-%s", uuid.New().String()[:8]),
		owned:      make(map[uuid.UUID]SessionInfo),
		stop:       make(chan struct{}),
	}
	d.wg.Add(1)
	go d.heartbeatLoop()
	return d, nil
}

func (d *redisDirectory) key(id uuid.UUID) string { return keyPrefix + id.String() }

func (d *redisDirectory) Register(info SessionInfo) error {
	info.InstanceID = d.instanceID
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := d.client.Set(ctx, d.key(info.ID), data, redisKeyTTL).Err(); err != nil {
		return fmt.Errorf("directory: redis set failed: %w", err)
	}
	d.mu.Lock()
	d.owned[info.ID] = info
	d.mu.Unlock()
	obs.ActiveSessions.Inc()
	return nil
}

func (d *redisDirectory) Unregister(id uuid.UUID) {
	ctx := context.Background()
	if err := d.client.Del(ctx, d.key(id)).Err(); err != nil {
		obs.Error("directory.redis.unregister", obs.Fields{"err": err.Error(), "id": id.String()})
	}
	d.mu.Lock()
	_, existed := d.owned[id]
	delete(d.owned, id)
	d.mu.Unlock()
	if existed {
		obs.ActiveSessions.Dec()
	}
}

func (d *redisDirectory) List() []SessionInfo {
	ctx := context.Background()
	var out []SessionInfo
	iter := d.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := d.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var info SessionInfo
		if err := json.Unmarshal([]byte(val), &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	if err := iter.Err(); err != nil {
		obs.Error("directory.redis.scan", obs.Fields{"err": err.Error()})
	}
	return out
}

func (d *redisDirectory) heartbeatLoop() {
	defer d.wg.Done()
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.refreshOwned()
		}
	}
}

func (d *redisDirectory) refreshOwned() {
	d.mu.Lock()
	owned := make([]SessionInfo, 0, len(d.owned))
	for _, info := range d.owned {
		owned = append(owned, info)
	}
	d.mu.Unlock()

	ctx := context.Background()
	for _, info := range owned {
		if err := d.client.Expire(ctx, d.key(info.ID), redisKeyTTL).Err(); err != nil {
			obs.Error("directory.redis.heartbeat", obs.Fields{"err": err.Error(), "id": info.ID.String()})
		}
	}
}

func (d *redisDirectory) Close() {
	close(d.stop)
	d.wg.Wait()
	_ = d.client.Close()
}
