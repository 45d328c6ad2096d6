// Package notify fans service events out to WebSocket subscribers and an
// optional Kafka sink. Delivery is best-effort: slow subscribers are
// disconnected rather than allowed to block publishers.
package notify

// Event kinds published on the bus.
const (
	KindAnomalyDetected = "anomaly.detected"
	KindIncidentCreated = "incident.created"
	KindIncidentUpdated = "incident.updated"
	KindScanCompleted   = "scan.completed"
	KindDiscoveryUpdate = "discovery.update"
)
