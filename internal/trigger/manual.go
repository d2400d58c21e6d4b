package trigger

// Manual is a software detector: edges are injected with Fire. It stands in
// for hardware on benches without a trigger line and in tests.
type Manual struct {
	registry
}

// NewManual returns an empty manual detector.
func NewManual() *Manual { return &Manual{} }

func (m *Manual) Register(channel string, edge Edge, cb Callback) (func(), error) {
	return m.add(channel, edge, cb), nil
}

// Fire simulates one transition on channel and returns how many callbacks
// ran.
func (m *Manual) Fire(channel string, rising bool) int {
	return m.dispatch(channel, rising)
}

// Registered returns the number of live registrations.
func (m *Manual) Registered() int { return m.count() }

func (m *Manual) Close() error { return nil }
