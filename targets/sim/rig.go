package sim

import (
	"context"
	"sync"

	"gospi/core"
)

// DefaultSourceHz is the source clock of simulated controllers.
const DefaultSourceHz = 109_200_000

// Rig is an engine wired to a simulated controller and memory, with the
// controller's interrupt line serviced in the background.
type Rig struct {
	Ctrl   *Controller
	Mem    *Memory
	Engine *core.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRig builds a rig for prof with dev attached to the bus.
func NewRig(prof core.Profile, dev Peripheral, ctrlOpts []Option, engineOpts ...core.Option) *Rig {
	mem := NewMemory(prof.DMAAddrBits())
	ctrl := NewController(prof, mem, dev, ctrlOpts...)
	r := &Rig{
		Ctrl:   ctrl,
		Mem:    mem,
		Engine: core.New(ctrl, mem, prof, DefaultSourceHz, engineOpts...),
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctrl.Run(ctx, r.Engine.HandleInterrupt)
	}()
	return r
}

// Close stops interrupt servicing and detaches the engine.
func (r *Rig) Close() error {
	r.cancel()
	r.wg.Wait()
	return r.Engine.Detach()
}
