package gas

import (
	"errors"
	"fmt"
)

// ErrOutOfBudget is returned once a charge exceeds the remaining budget.
var ErrOutOfBudget = errors.New("out of budget")

// Meter tracks the execution budget of one transaction. A single meter is
// shared by every frame of the call tree and is never replenished.
type Meter struct {
	limit    uint64
	consumed uint64
	schedule *Schedule
}

// Schedule defines the cost of each host-visible action.
type Schedule struct {
	// Charged once per entry point call, including nested calls
	Invocation uint64 `yaml:"invocation"`

	// Host function costs
	StorageGet      uint64 `yaml:"storage_get"`
	StorageSet      uint64 `yaml:"storage_set"`
	StorageDelete   uint64 `yaml:"storage_delete"`
	CallApplication uint64 `yaml:"call_application"`
	Log             uint64 `yaml:"log"`
	Context         uint64 `yaml:"context"`

	// Per byte moved across the sandbox boundary
	ByteRead    uint64 `yaml:"byte_read"`
	ByteWritten uint64 `yaml:"byte_written"`
	// Per byte of key and value persisted by storage_set
	ByteStored uint64 `yaml:"byte_stored"`
}

// DefaultSchedule returns the default cost schedule.
func DefaultSchedule() *Schedule {
	return &Schedule{
		Invocation:      1_000,
		StorageGet:      100,
		StorageSet:      200,
		StorageDelete:   150,
		CallApplication: 500,
		Log:             50,
		Context:         10,
		ByteRead:        1,
		ByteWritten:     1,
		ByteStored:      10,
	}
}

// NewMeter creates a meter with the default schedule.
func NewMeter(limit uint64) *Meter {
	return NewMeterWithSchedule(limit, DefaultSchedule())
}

// NewMeterWithSchedule creates a meter with a custom schedule.
func NewMeterWithSchedule(limit uint64, schedule *Schedule) *Meter {
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	return &Meter{limit: limit, schedule: schedule}
}

// Consume charges amount against the budget. A failed charge exhausts the
// meter so no later charge can succeed.
func (m *Meter) Consume(amount uint64) error {
	if amount > m.limit-m.consumed {
		want := amount
		remaining := m.Remaining()
		m.consumed = m.limit
		return fmt.Errorf("%w: need %d, %d remaining", ErrOutOfBudget, want, remaining)
	}
	m.consumed += amount
	return nil
}

// Exhaust spends whatever is left.
func (m *Meter) Exhaust() {
	m.consumed = m.limit
}

// ConsumeBytes charges n bytes at the given per-byte rate.
func (m *Meter) ConsumeBytes(rate uint64, n int) error {
	if n <= 0 || rate == 0 {
		return nil
	}
	cost := rate * uint64(n)
	if cost/rate != uint64(n) {
		cost = ^uint64(0)
	}
	return m.Consume(cost)
}

// Remaining returns the unspent budget.
func (m *Meter) Remaining() uint64 {
	return m.limit - m.consumed
}

// Consumed returns the budget spent so far.
func (m *Meter) Consumed() uint64 {
	return m.consumed
}

// Limit returns the total budget.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// Exhausted reports whether nothing is left.
func (m *Meter) Exhausted() bool {
	return m.consumed >= m.limit
}

// Schedule returns the cost schedule in use.
func (m *Meter) Schedule() *Schedule {
	return m.schedule
}
