package relay

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no frame read within Interval + Timeout). The goroutine exits when
// the hub is closed.
func (h *Hub) startHeartbeat(config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.checkConnections(config)
			}
		}
	}()
}

// checkConnections evicts connections that have been silent for longer than
// Interval + Timeout and pings the rest. Clients answer the ping frame with
// a pong, which counts as activity.
func (h *Hub) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range h.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("[relay] heartbeat timeout conn=%s user=%s last_activity=%s ago",
				c.ID, c.UserID, idle.Round(time.Second))
			h.remove(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("[relay] heartbeat ping failed conn=%s: %v", c.ID, err)
			h.remove(c)
		}
	}
}
