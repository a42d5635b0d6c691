package constants

import "time"

// Connection timing constants
const (
	// AutoConnectDelay is the initial delay before starting auto-connect process
	AutoConnectDelay = 1 * time.Second

	// ConnectionStaggerDelay is the delay between each network connection attempt
	ConnectionStaggerDelay = 500 * time.Millisecond

	// ReplayStepDelay is the delay before the first post-registration command
	// and the increment added for every following command or join.
	ReplayStepDelay = 1 * time.Second

	// ReconnectMinDelay is the first reconnect backoff step
	ReconnectMinDelay = 2 * time.Second

	// ReconnectMaxDelay caps the exponential reconnect backoff
	ReconnectMaxDelay = 2 * time.Minute

	// ConnectTimeout bounds a single dial + registration attempt
	ConnectTimeout = 30 * time.Second
)

// Sizing constants
const (
	// MessageLogLimit is the number of messages kept per channel in memory
	MessageLogLimit = 500

	// HistoryLoadLimit is how many stored messages seed a new channel
	HistoryLoadLimit = 100

	// SessionQueueSize buffers transport facts waiting for the session loop
	SessionQueueSize = 256

	// AttachmentBufferSize is the per-client outbound event queue length
	AttachmentBufferSize = 256

	// HistoryBufferSize and HistoryFlushInterval tune batched history writes
	HistoryBufferSize    = 100
	HistoryFlushInterval = 5 * time.Second
)

// Query pacing
const (
	// QueryRate is the sustained number of WHO/WHOIS/WHOWAS per second
	QueryRate = 2

	// QueryBurst is how many queries may go out back to back
	QueryBurst = 5
)
