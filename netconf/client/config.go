package client

import "time"

// Config defines the timing and capability-advertisement behaviour of a
// session's hello exchange and its per-RPC command timeout.
type Config struct {
	// ConnectTimeout bounds SSH setup, subsystem attach, and the capability
	// exchange performed by NewSession.
	ConnectTimeout time.Duration
	// CommandTimeout bounds each individual executeRpc call. It has no
	// effect on executeRpcStreaming, whose caller owns timeout enforcement.
	CommandTimeout time.Duration
	// Capabilities lists the client-advertised capability URIs. A nil or
	// empty slice falls back to common.DefaultCapabilities.
	Capabilities []string
}

// DefaultConfig is applied to any zero-valued fields of a caller-supplied
// Config.
var DefaultConfig = &Config{
	ConnectTimeout: 10 * time.Second,
	CommandTimeout: 30 * time.Second,
}
