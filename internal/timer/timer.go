// Package timer implements the generic-counter abstraction and timer
// wheel this core multiplexes onto a single hardware comparator: physical,
// virtual, and hyper-physical counters differ only in which register
// triplet they drive, and any number of independent periodic callbacks
// share one underlying compare register through Controller.
package timer

// GenericCounter is the register triplet one ARM generic timer comparator
// exposes: enable/disable its interrupt, test whether it has fired, load
// the countdown or absolute compare value, and read its frequency and
// current count. PhysicalCounter, VirtualCounter, and HyperPhysicalCounter
// differ only in which concrete registers (CNTP_*, CNTV_*, CNTHP_*) a
// hardware-backed implementation touches; that backend is board bring-up
// code outside this package, matching how internal/mm/vmm's Registers
// interface is driven.
type GenericCounter interface {
	SetInterruptEnabled(enabled bool)
	Interrupted() bool
	SetTimer(value uint64)
	SetCompare(value uint64)
	GetFrequency() uint64
	GetCounter() uint64
}

// Ctx is passed to a timer's callback on each firing; the callback uses it
// to request removal or to suppress the default reschedule.
type Ctx[T any] struct {
	Data         *T
	remove       bool
	noReschedule bool
}

// RemoveTimer marks this timer for removal after the current pass.
func (c *Ctx[T]) RemoveTimer() { c.remove = true }

// NoReschedule suppresses advancing this timer's next compare value; the
// callback is responsible for rescheduling it (or not) itself.
func (c *Ctx[T]) NoReschedule() { c.noReschedule = true }

// Func is a timer callback.
type Func[T any] func(ctx *Ctx[T])

type timerEntry[T any] struct {
	cyclePeriod uint64
	nextCompare uint64
	fn          Func[T]
}

// Controller multiplexes any number of periodic callbacks onto one
// GenericCounter's compare register: ProcessTimers is called from the
// exception path on every firing of that register, and Add registers a
// new periodic callback.
type Controller[T any] struct {
	counter    GenericCounter
	timers     []timerEntry[T]
	removeList []int
}

// NewController returns a Controller driving counter.
func NewController[T any](counter GenericCounter) *Controller[T] {
	return &Controller[T]{counter: counter}
}

// setCompare programs the hardware compare register to the soonest
// next_compare across all live timers, and enables the counter's
// interrupt iff any timer remains.
func (c *Controller[T]) setCompare() {
	if len(c.timers) == 0 {
		c.counter.SetInterruptEnabled(false)
		return
	}
	min := c.timers[0].nextCompare
	for _, t := range c.timers[1:] {
		if t.nextCompare < min {
			min = t.nextCompare
		}
	}
	c.counter.SetCompare(min)
	c.counter.SetInterruptEnabled(true)
}

// Add registers a new periodic callback firing every period cycles,
// starting one period from now.
func (c *Controller[T]) Add(period uint64, fn Func[T]) {
	compare := c.counter.GetCounter() + period
	c.timers = append(c.timers, timerEntry[T]{cyclePeriod: period, nextCompare: compare, fn: fn})
	c.setCompare()
}

// ProcessTimers runs every timer whose next_compare has elapsed, removes
// any that requested removal (a removed timer is not rescheduled), and
// reprograms the compare register. If the counter has not fired it runs
// nothing and returns true. It
// returns true iff interrupts should remain disabled on return (no
// timer's compare value was updated this pass), matching the original's
// "should I re-enable interrupts" contract at the trap-handling call site.
func (c *Controller[T]) ProcessTimers(data *T) bool {
	if !c.counter.Interrupted() {
		return true
	}

	c.removeList = c.removeList[:0]
	updated := false
	now := c.counter.GetCounter()

	for i := range c.timers {
		t := &c.timers[i]
		if now < t.nextCompare {
			continue
		}

		ctx := &Ctx[T]{Data: data}
		t.fn(ctx)

		if ctx.remove {
			c.removeList = append(c.removeList, i)
		} else if !ctx.noReschedule {
			t.nextCompare = c.counter.GetCounter() + t.cyclePeriod
			updated = true
		}
	}

	for i := len(c.removeList) - 1; i >= 0; i-- {
		idx := c.removeList[i]
		c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
	}

	c.setCompare()

	return !updated
}

// Len reports the number of live timers, for tests and diagnostics.
func (c *Controller[T]) Len() int {
	return len(c.timers)
}
