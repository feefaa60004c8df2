package hub

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// RunMetrics logs relay stats every interval until ctx is cancelled.
// Quiet while the conference is idle.
func RunMetrics(ctx context.Context, h *Hub, logger *log.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frames, bytes, dropped, peers := h.Stats()
			if peers > 0 || frames > 0 {
				logger.Info("relay stats",
					"peers", peers,
					"frames", frames,
					"dropped", dropped,
					"kbps", float64(bytes*8)/interval.Seconds()/1000)
			}
		}
	}
}
