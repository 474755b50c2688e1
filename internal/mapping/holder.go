package mapping

import (
	"sync/atomic"
)

// Holder hands out the active mapping and lets it be swapped at runtime.
type Holder struct {
	current atomic.Pointer[Mapping]
	version atomic.Int64
}

// NewHolder creates a holder with an initial mapping. A nil mapping uses Default().
func NewHolder(m *Mapping) *Holder {
	if m == nil {
		m = Default()
	}
	h := &Holder{}
	h.current.Store(m)
	return h
}

// Get returns the active mapping. Callers must treat it as read-only.
func (h *Holder) Get() *Mapping {
	return h.current.Load()
}

// Reconfigure validates and installs a new mapping.
func (h *Holder) Reconfigure(m *Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	h.current.Store(m)
	h.version.Add(1)
	return nil
}

// Version counts successful reconfigurations.
func (h *Holder) Version() int64 {
	return h.version.Load()
}
