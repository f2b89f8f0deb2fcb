package router

// TopicAll subscribes to every topic published on a Bus.
const TopicAll = "*"

// BusConfig holds configuration for the event Bus.
type BusConfig struct {
	// Initial capacity of each subscriber buffer. Buffers grow on demand.
	SubscriberBufferSize int // Default: 1000
}

// DefaultBusConfig returns default configuration.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		SubscriberBufferSize: 1000,
	}
}

// BusStats contains runtime statistics.
type BusStats struct {
	Published   int64                  `json:"published"`
	Delivered   int64                  `json:"delivered"`
	Unobserved  int64                  `json:"unobserved"`
	Subscribers map[string]int         `json:"subscribers"`
	Buffers     map[string]BufferStats `json:"-"`
}
