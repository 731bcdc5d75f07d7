package workers

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetwatch-backend/internal/cache"
	"fleetwatch-backend/internal/registry"
	"fleetwatch-backend/internal/storage"
)

const lastSeenPrefix = "fleet:agent:last_seen:"

// StartExpiryWorker subscribes to Redis key expiration events and flips
// agents offline when their last-seen key lapses. Returns true when the
// subscription is active; callers fall back to the sweep otherwise.
func StartExpiryWorker(ctx context.Context, cacheClient cache.Client, reg *registry.Registry) bool {
	pubsub, err := cacheClient.SubscribeExpired()
	if err != nil {
		log.Printf("WARN Redis keyevent subscribe failed: %v", err)
		return false
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				handleExpired(reg, msg)
			}
		}
	}()

	log.Println("INFO Presence expiry worker started")
	return true
}

func handleExpired(reg *registry.Registry, msg *redis.Message) {
	if !strings.HasPrefix(msg.Payload, lastSeenPrefix) {
		return
	}
	reg.MarkOffline(strings.TrimPrefix(msg.Payload, lastSeenPrefix))
}

// StartPresenceSweep periodically marks agents offline whose last contact
// is outside the liveness window. Fallback for when keyspace notifications
// are unavailable; emitting only transitions is the registry's job.
func StartPresenceSweep(ctx context.Context, store *storage.Storage, reg *registry.Registry) {
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepOnce(ctx, store, reg)
			}
		}
	}()
	log.Println("INFO Presence sweep started")
}

func sweepOnce(ctx context.Context, store *storage.Storage, reg *registry.Registry) {
	cutoff := time.Now().Add(-reg.Window())
	stale, err := store.ListStaleFingerprints(ctx, cutoff)
	if err != nil {
		log.Printf("WARN Presence sweep list error: %v", err)
		return
	}
	for _, fp := range stale {
		reg.MarkOffline(fp)
	}
}
