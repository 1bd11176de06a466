package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// RecordFlush writes a sync flush summary.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Event control dashboards use these points to watch queue drains across
// all stations at a venue.
func (c *Client) RecordFlush(stationID string, acked, retried, surfaced, remaining int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"sync_flush",
		map[string]string{
			"station_id": stationID,
		},
		map[string]interface{}{
			"acked":     acked,
			"retried":   retried,
			"surfaced":  surfaced,
			"remaining": remaining,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordAuth writes an authentication outcome.
//
// Outcomes: "login", "login_denied", "refresh", "refresh_rejected",
// "session_burned", "logout". Spikes in rejections at a station are worth a
// look; a burned session means a stale refresh token was replayed.
func (c *Client) RecordAuth(stationID, outcome string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"auth_events",
		map[string]string{
			"station_id": stationID,
			"outcome":    outcome,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// RecordQueueDepth writes the current pending-operation count.
func (c *Client) RecordQueueDepth(stationID string, depth int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"outbox_depth",
		map[string]string{
			"station_id": stationID,
		},
		map[string]interface{}{
			"pending": depth,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Example:
//
//	client.WritePoint("gateway_stats",
//	    map[string]string{"station_id": "station-7"},
//	    map[string]interface{}{"consoles": 3, "cache_entries": 120})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., scores recorded while
// offline and flushed later).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
