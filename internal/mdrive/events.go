package mdrive

import (
	"context"
	"sync"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/handle"
	"github.com/greezybacon/mdrived/internal/transport"
)

// EventKind names one of the asynchronous events a Device can emit.
type EventKind string

const (
	EventMotion   EventKind = "EV_MOTION"
	EventOverTemp EventKind = "EV_OVERTEMP"
	EventReset    EventKind = "EV_RESET"
)

// MotionPayload is the event body emitted on motion completion (spec.md
// §4.3, "Completion check-back").
type MotionPayload struct {
	Completed     bool
	Stalled       bool
	PosKnown      bool
	PositionUrevs int64
	Error         int
}

// Event is one fully-formed occurrence handed to every matching
// subscription callback.
type Event struct {
	Kind   EventKind
	Device *Device
	Motion *MotionPayload
}

// Subscribe registers cb for kind, returning a handle Unsubscribe accepts,
// or ER_TOO_MANY once MaxSubscriptions slots are in use (spec.md §6,
// "notify/subscribe/unsubscribe").
func (d *Device) Subscribe(kind EventKind, cond string, cb func(Event)) (handle.H, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.subs.Alloc(Subscription{Event: kind, Cond: cond, Cb: cb})
	if !ok {
		return handle.H{}, errcode.New("subscribe", errcode.ERTooMany, "no free subscription slot")
	}
	return h, nil
}

// Unsubscribe releases a subscription slot. Stale handles are a silent
// no-op, matching the handle table's semantics.
func (d *Device) Unsubscribe(h handle.H) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs.Free(h)
}

// emit fans kind out to every matching subscriber, in registration order
// (spec.md §5, "Event delivery order ... follows the order of signal calls
// from a single Bus"). Callbacks run with d.mu released, matching every
// call site here and in motion.go, which unlock before calling emit.
//
// Subscription.Cond is stored but not evaluated as a filter here: it is an
// opaque label threaded through from dispatch for callers to match against
// inside their own callback, not a predicate emit applies on their behalf
// (the original driver carries the same field unevaluated, TODO'd as
// future work rather than wired up).
func (d *Device) emit(kind EventKind, motion *MotionPayload) {
	ev := Event{Kind: kind, Device: d, Motion: motion}
	d.mu.Lock()
	var cbs []func(Event)
	d.subs.Each(func(_ handle.H, s Subscription) {
		if s.Event != kind {
			return
		}
		if s.Cb != nil {
			cbs = append(cbs, s.Cb)
		}
	})
	d.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// BusDeviceTable is the bus-scoped address→Device lookup the reader task
// consults to route event frames (spec.md §9, "Cyclic ownership": "Bus→
// Device is not stored; the reader routes events by address via a lookup
// into a Bus-scoped Device table maintained by the connect/disconnect
// paths").
type BusDeviceTable struct {
	mu    sync.RWMutex
	byBus map[string]map[byte]*Device
}

// NewBusDeviceTable constructs an empty routing table.
func NewBusDeviceTable() *BusDeviceTable {
	return &BusDeviceTable{byBus: map[string]map[byte]*Device{}}
}

// Register associates dev with its (bus, address) pair and installs the
// bus-wide event handler the first time a bus is seen.
func (t *BusDeviceTable) Register(busID string, dev *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byBus[busID]
	if !ok {
		m = map[byte]*Device{}
		t.byBus[busID] = m
		dev.bus.SetEventHandler(func(addr byte, code int) {
			t.dispatch(busID, addr, code)
		})
	}
	m[dev.addr] = dev
}

// Unregister removes dev from its bus's routing table.
func (t *BusDeviceTable) Unregister(busID string, addr byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.byBus[busID]; ok {
		delete(m, addr)
	}
}

// dispatch handles an event frame parsed off the wire (spec.md §4.1,
// "signal_event_for_address"): looks up the addressed Device, updates its
// statistics, translates the device error code via the cross-reference
// table, and emits the mapped event. Runs on the transport reader
// goroutine while Register/Unregister run on scheduler worker goroutines
// (driver/mdrive_class.go connect/disconnect), so byBus and its inner maps
// are guarded the same way driver/cache.go guards its handle table.
func (t *BusDeviceTable) dispatch(busID string, addr byte, code int) {
	t.mu.RLock()
	dev, ok := t.byBus[busID][addr]
	t.mu.RUnlock()
	if !ok {
		return
	}
	handleDeviceErrorCode(dev, code)
}

// handleDeviceErrorCode applies the event cross-reference table of spec.md
// §4.1/§7 to an asynchronously-reported device error code.
func handleDeviceErrorCode(dev *Device, code int) {
	ev := errcode.EventForCode(code)
	switch ev {
	case errcode.EventMotion:
		dev.mu.Lock()
		dev.stats.Stalls++
		pos := dev.motion.StartPosition
		dev.mu.Unlock()
		dev.emit(EventMotion, &MotionPayload{Completed: true, Stalled: true, PosKnown: false, PositionUrevs: dev.stepsToUrevs(pos), Error: code})
		clearDeviceError(dev)
	case errcode.EventOverTemp:
		dev.emit(EventOverTemp, nil)
	case errcode.EventReset:
		dev.mu.Lock()
		dev.stats.Reboots++
		dev.mu.Unlock()
		dev.emit(EventReset, nil)
	}
}

// clearDeviceError sends the automatic ST used to acknowledge/clear a
// stall flag on the unit (scenario 5 of spec.md §8). Best effort: a
// failure here does not change the event already delivered to
// subscribers.
func clearDeviceError(dev *Device) {
	_, _, _ = dev.bus.Communicate(context.Background(), dev, "ST", transport.CommOptions{Tries: 1, ExpectErr: true})
}
