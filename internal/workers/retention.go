package workers

import (
	"context"
	"log"
	"time"

	"fleetwatch-backend/internal/storage"
)

// StartRetentionWorker prunes telemetry older than the retention horizon
// once a day. Alerts are kept; only bulk telemetry is bounded.
func StartRetentionWorker(ctx context.Context, store *storage.Storage, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -retentionDays)
				n, err := store.PruneTelemetry(ctx, cutoff)
				if err != nil {
					log.Printf("WARN Telemetry prune error: %v", err)
					continue
				}
				log.Printf("INFO Pruned %d telemetry records older than %s", n, cutoff.Format(time.RFC3339))
			}
		}
	}()
	log.Println("INFO Retention worker started")
}
