// Package mqtt provides venue message bus connectivity for the station
// gateway.
//
// This package manages:
//   - Connection to the venue Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for station offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Scoring stations at a venue share a broker hosted alongside event control.
// Each gateway publishes its status and flush summaries and subscribes to
// event announcements. Because the broker sits on the same uplink as the
// central scoring service, a broker reconnect is a strong connectivity-
// restored signal: the gateway registers the sync coordinator on OnConnect
// so queued scores replay as soon as the venue network returns.
//
//	Station Gateways ↔ Venue Broker ↔ Event Control
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnConnect(coordinator.NotifyConnected)
//
//	topic := mqtt.Topics{}.EventAnnouncement("event-12")
//	err = client.Subscribe(topic, 1, func(topic string, payload []byte) error {
//	    hub.BroadcastAnnouncement(payload)
//	    return nil
//	})
package mqtt
