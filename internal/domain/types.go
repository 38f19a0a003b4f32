package domain

import "time"

// Sample is one value for a named series as handed to the publish path by a
// producer bridge.
type Sample struct {
	Series        string
	Value         float32
	Source        string
	SourceRef     string
	ReceivedAtUTC time.Time
}

// DisconnectReason labels why a client connection was closed.
type DisconnectReason string

const (
	DisconnectEOF        DisconnectReason = "eof"
	DisconnectReadError  DisconnectReason = "read_error"
	DisconnectWriteError DisconnectReason = "write_error"
	DisconnectOverflow   DisconnectReason = "overflow"
	DisconnectShutdown   DisconnectReason = "shutdown"
)

// DropReason labels why an outbound frame was discarded.
type DropReason string

const (
	DropOldest     DropReason = "drop_oldest"
	DropNewest     DropReason = "drop_newest"
	DropDisconnect DropReason = "disconnect"
)
