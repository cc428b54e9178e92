package backend

import "encoding/json"

// SyncRequest is one drained queue entry on the wire. Relationship fields
// inside Payload have already been translated to server ids; the backend
// de-duplicates on IdempotencyKey, so redelivery is harmless.
type SyncRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	OperationType  string          `json:"operation_type"`
	EntityType     string          `json:"entity_type"`
	Payload        json.RawMessage `json:"payload"`
}

// SyncResponse is the backend's verdict on one operation.
type SyncResponse struct {
	Accepted bool `json:"accepted"`

	// ServerId is set for accepted creates.
	ServerId string `json:"server_id,omitempty"`

	// ServerRecord is the authoritative representation after the backend
	// applied the operation (server-computed fields included).
	ServerRecord json.RawMessage `json:"server_record,omitempty"`

	// Batches acknowledges composite batch creation: one server id per
	// submitted batch, keyed by local id.
	Batches []BatchAck `json:"batches,omitempty"`

	Error string `json:"error,omitempty"`
}

type BatchAck struct {
	LocalId  string `json:"local_id"`
	ServerId string `json:"server_id"`
}
