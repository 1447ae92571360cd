// Package ingest moves raw telemetry from the bus into per-equipment reading
// snapshots. The MQTT adapter is the production path; SimReader generates
// clamped random walks for demos and tests.
package ingest

import "github.com/factoryedge/eventgen/internal/model"

// CommunicationAdapter is the capability set every telemetry source
// implements. Connect wires subscriptions for the given equipments, Read
// drains whatever arrived for one equipment since the last call.
type CommunicationAdapter interface {
	Connect(equipments []*model.Equipment) error
	Read(eq *model.Equipment) map[string]interface{}
	Close()
}
