package circuitbreaker

import "sync"

// Table is a per-key set of breakers, e.g. one per model ID, created lazily
// on first use with a shared option set.
type Table struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewTable creates an empty table. Every breaker it lazily creates is
// configured with opts.
func NewTable(opts ...Option) *Table {
	return &Table{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns the breaker for key, creating it in the Closed state if this
// is the first time key has been seen.
func (t *Table) Get(key string) *Breaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[key]
	if !ok {
		b = New(t.opts...)
		t.breakers[key] = b
	}
	return b
}

// States returns the current state of every breaker that has been created.
func (t *Table) States() map[string]State {
	t.mu.Lock()
	keys := make([]string, 0, len(t.breakers))
	breakers := make([]*Breaker, 0, len(t.breakers))
	for k, b := range t.breakers {
		keys = append(keys, k)
		breakers = append(breakers, b)
	}
	t.mu.Unlock()

	out := make(map[string]State, len(keys))
	for i, k := range keys {
		out[k] = breakers[i].CurrentState()
	}
	return out
}
