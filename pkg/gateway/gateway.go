// Package gateway provides the public API for embedding the edge gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/iotedge-gateway/internal/runtime"
)

// Gateway is the main entry point for running the edge gateway.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	    gateway.WithSQLite("./data/gateway.db"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfig         = runtime.WithConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage
	WithSQLite      = runtime.WithSQLite
	WithPostgres    = runtime.WithPostgres
	WithMemoryStore = runtime.WithMemoryStore
	WithStore       = runtime.WithStore
	WithBucketStore = runtime.WithBucketStore

	// Credentials
	WithIdentityProvider = runtime.WithIdentityProvider
	WithKeyValidator     = runtime.WithKeyValidator

	// Usage
	WithUsageSink = runtime.WithUsageSink

	// Observability
	WithLogger  = runtime.WithLogger
	WithMetrics = runtime.WithMetrics
)
