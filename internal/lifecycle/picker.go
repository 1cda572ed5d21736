package lifecycle

import "github.com/oxian-dev/oxian-hypervisor/internal/types"

// singlePicker is the only types.Picker implementation shipped:
// pin pool cardinality to 1 per project while preserving the interface for
// a future multi-worker round-robin picker.
type singlePicker struct {
	handle *types.WorkerHandle
}

func newSinglePicker() *singlePicker { return &singlePicker{} }

func (p *singlePicker) Pick() (*types.WorkerHandle, bool) {
	if p.handle == nil {
		return nil, false
	}
	return p.handle, true
}

func (p *singlePicker) Set(h *types.WorkerHandle) { p.handle = h }
func (p *singlePicker) Clear()                    { p.handle = nil }
