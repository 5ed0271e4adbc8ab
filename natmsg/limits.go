package natmsg

// DefaultMaxFrame is the browser-imposed cap on a single native-messaging
// frame. Chromium rejects inbound frames above 1 MiB, so both directions
// enforce the same ceiling.
const DefaultMaxFrame = 1024 * 1024

// Limits represents per-stream framing limits.
type Limits struct {
	MaxFrame int
}

// DefaultLimits returns the default framing limits.
func DefaultLimits() Limits {
	return Limits{MaxFrame: DefaultMaxFrame}
}
