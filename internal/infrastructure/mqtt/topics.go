package mqtt

import "fmt"

// Topic prefixes for the venue message bus.
//
// Scheme: trailscore/{category}/{id}/{subtopic}
const (
	// TopicPrefix is the base for all venue bus topics.
	TopicPrefix = "trailscore"

	// TopicPrefixStation is the base for per-station topics.
	TopicPrefixStation = "trailscore/station"

	// TopicPrefixEvent is the base for per-event topics.
	TopicPrefixEvent = "trailscore/event"

	// TopicPrefixSync is the base for sync coordination topics.
	TopicPrefixSync = "trailscore/sync"
)

// SyncTriggerTag identifies the replay trigger carried on sync topics. There
// is exactly one trigger per gateway, registered at startup; a reconnect to
// the venue broker fires it.
const SyncTriggerTag = "score-sync"

// Topics provides builders for venue bus topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	statusTopic := topics.StationStatus("station-7")
//	// Returns: "trailscore/station/station-7/status"
type Topics struct{}

// StationStatus returns the online/offline status topic for a station
// gateway. Retained, doubles as the LWT topic.
//
// Example: trailscore/station/station-7/status
func (Topics) StationStatus(stationID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixStation, stationID)
}

// StationSync returns the topic a station publishes flush summaries to, so
// event control can watch queue drains venue-wide.
//
// Example: trailscore/station/station-7/sync/score-sync
func (Topics) StationSync(stationID string) string {
	return fmt.Sprintf("%s/%s/sync/%s", TopicPrefixStation, stationID, SyncTriggerTag)
}

// StationScoreRecorded returns the topic for locally recorded score
// announcements, published whether or not the uplink is live.
//
// Example: trailscore/station/station-7/score
func (Topics) StationScoreRecorded(stationID string) string {
	return fmt.Sprintf("%s/%s/score", TopicPrefixStation, stationID)
}

// EventAnnouncement returns the topic event control publishes announcements
// on (schedule changes, weather holds). Stations subscribe and relay to
// their consoles.
//
// Example: trailscore/event/event-12/announcement
func (Topics) EventAnnouncement(eventID string) string {
	return fmt.Sprintf("%s/%s/announcement", TopicPrefixEvent, eventID)
}

// SyncFlushRequest returns the topic event control uses to ask stations to
// flush their queues on demand.
//
// Example: trailscore/sync/flush
func (Topics) SyncFlushRequest() string {
	return fmt.Sprintf("%s/flush", TopicPrefixSync)
}

// AllStationStatuses returns a pattern matching every station's status.
//
// Pattern: trailscore/station/+/status
func (Topics) AllStationStatuses() string {
	return fmt.Sprintf("%s/+/status", TopicPrefixStation)
}

// AllStationSyncs returns a pattern matching every station's flush
// summaries.
//
// Pattern: trailscore/station/+/sync/score-sync
func (Topics) AllStationSyncs() string {
	return fmt.Sprintf("%s/+/sync/%s", TopicPrefixStation, SyncTriggerTag)
}

// AllTopics returns a pattern matching all venue bus topics.
// Use with caution, this receives ALL traffic.
//
// Pattern: trailscore/#
func (Topics) AllTopics() string {
	return "trailscore/#"
}
