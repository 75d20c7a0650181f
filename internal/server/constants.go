// Package server provides the local HTTP and WebSocket control surface.
package server

import "time"

// Server configuration constants
const (
	// Per-connection control message rate limiting
	RateLimitMessages = 30          // Max control messages per window
	RateLimitWindow   = time.Second // Sliding window duration

	// ActivityInterval is how often playback activity and live text are
	// pushed to connected clients while a session is running.
	ActivityInterval = 100 * time.Millisecond
)
