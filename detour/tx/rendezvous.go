package tx

import "sync/atomic"

// rendezvousContext holds the countdown the processors rendezvous on before
// any of them resumes normal execution. The issuing processor is processor
// 0; the callback reaches the pending list through the engine.
type rendezvousContext struct {
	remaining atomic.Int32
}

func (c *rendezvousContext) signalDone() {
	c.remaining.Add(-1)
}

func (c *rendezvousContext) waitAll(yield func()) {
	for c.remaining.Load() != 0 {
		yield()
	}
}

// rendezvousApply writes every pending patch from inside a processor
// rendezvous. The issuing processor stores the pre-baked bytes through each
// operation's writable alias and republishes the caller's function
// pointers; every processor then waits until all have observed completion,
// so no processor can run half-patched code.
func (e *Engine) rendezvousApply() {
	ctx := &rendezvousContext{}
	ctx.remaining.Store(int32(e.h.ActiveProcessors()))

	e.h.Rendezvous(func(cpu int) {
		if cpu == 0 {
			for _, o := range e.ops {
				_ = o.alias.Write(0, o.patch)
				e.h.FlushInstructionCache(o.target, len(o.patch))
				if o.remove {
					*o.slotPtr = e.pack.TagPointer(o.target)
				} else {
					*o.slotPtr = e.pack.TagPointer(o.tramp.Base())
				}
			}
		}
		ctx.signalDone()
		ctx.waitAll(e.h.Yield)
	})
}
