package pipeline

// DetectionStrategy decides which captured frames go through inference.
type DetectionStrategy interface {
	// Name returns the strategy identifier
	Name() string

	// ShouldDetect reports whether the frame with the given 1-based
	// sequence number should be inferred
	ShouldDetect(seq uint64) bool

	// OnDetectionComplete is called after an inference tick finishes
	OnDetectionComplete()

	// Reset clears internal state between sessions
	Reset()
}

// EventHandler receives detection events synchronously, in publish order.
type EventHandler interface {
	OnDetectionEvent(event *DetectionEvent)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(event *DetectionEvent)

func (f EventHandlerFunc) OnDetectionEvent(event *DetectionEvent) {
	f(event)
}
