// Package storage defines the combined persistence surface used by the
// runtime. Implementations live in sqldb (sqlite, postgres) and memory.
package storage

import (
	"github.com/tjfontaine/iotedge-gateway/internal/core/ports"
)

// Re-export storage interfaces from core/ports.
type (
	KeyStore     = ports.KeyStore
	ProfileStore = ports.ProfileStore
	BucketStore  = ports.BucketStore
	UsageSink    = ports.UsageSink
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = ports.ErrNotFound

// Store is everything a single backing database provides to the gateway.
type Store interface {
	KeyStore
	ProfileStore
	BucketStore
	UsageSink
}
