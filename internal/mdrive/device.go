// Package mdrive implements the device protocol logic of spec.md §4.2-§4.6
// on top of internal/transport's Bus: connection parsing and discovery,
// checksum/echo inspection, unit conversion, profile diff-and-write,
// trajectory projection with self-scheduled completion callbacks, and
// firmware/microcode upload.
package mdrive

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/handle"
	"github.com/greezybacon/mdrived/internal/timer"
	"github.com/greezybacon/mdrived/internal/transport"
)

// MaxSubscriptions is the per-device event-callback slot count (spec.md
// §6, MAX_SUBSCRIPTIONS).
const MaxSubscriptions = 48

// LoadedFlag tracks what has been lazy-loaded from the unit so repeat reads
// reuse the cache instead of re-querying (spec.md §3, Device "loaded"
// bitmask).
type LoadedFlag uint8

const (
	LoadedCommConfig LoadedFlag = 1 << iota
	LoadedProfile
	LoadedEncoder
	LoadedIO
	LoadedEnabled
)

// MotionState is the explicit state machine that replaces the
// self-chaining completion callback (spec.md §9, "Callback-timer control
// flow").
type MotionState int

const (
	StateIdle MotionState = iota
	StateMoving
	StateChecking
	StateResting
)

// MotionType enumerates the move kinds the driver accepts (spec.md §3).
type MotionType int

const (
	MoveAbsolute MotionType = iota
	MoveRelative
	MoveSlew
	MoveJitter
)

// Profile is the tuple (A, D, Vm, Vi, slip_max, run_current, hold_current)
// that governs one move (spec.md GLOSSARY, "Profile").
type Profile struct {
	Accel       int
	Decel       int
	Vmax        int
	Vinitial    int
	SlipMax     int
	CurrentRun  int
	CurrentHold int
	Position    int
}

// Motion is the in-flight or most recently completed move record (spec.md
// §3, "Motion record").
type Motion struct {
	Type           MotionType
	RequestedUrevs int64
	StartPosition  int64
	StartTime      time.Time
	VmaxUs         int64
	DecelUs        int64
	ProjectedEnd   time.Time
	CallbackID     timer.ID
	FollowingError int
	StallCount     int
	gen            uint64 // bumped on every new move, discriminates stale callbacks
}

// Features are labels recovered from EX CF microcode feature inspection
// (spec.md §4.6).
type Features struct {
	Version         string
	MoveLabel       string
	FollowingErrVar string
	HomeLabel       string
}

// Subscription is one registered event callback (spec.md §3, "event-
// subscription table").
type Subscription struct {
	Event EventKind
	Cond  string
	Cb    func(Event)
}

// Device is one physical addressable MDrive unit (spec.md §3, "Device").
// It implements transport.DeviceView so the Bus can frame, retry and
// classify transactions without depending on this package.
type Device struct {
	mu sync.Mutex

	bus  *transport.Bus
	addr byte

	party        bool
	upgradeMode  bool
	ignoreErrors bool
	checksum     transport.ChecksumMode
	echo         transport.EchoMode
	speed        int
	latency      time.Duration
	nest         int

	loaded  LoadedFlag
	profile Profile
	stats   transport.Stats

	features    Features
	stepsPerRev int
	encoderOn   bool

	subs   *handle.Table[Subscription]
	state  MotionState
	motion Motion

	connStr string
	log     *zap.Logger
}

// NewDevice constructs a Device bound to bus at address addr, with driver
// defaults (checksum off, full echo) not yet confirmed against hardware —
// Connect performs that confirmation via configInspect.
func NewDevice(bus *transport.Bus, addr byte, speed int, connStr string, log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	return &Device{
		bus:         bus,
		addr:        addr,
		party:       addr != '!' && addr != '*',
		speed:       speed,
		checksum:    transport.ChecksumOff,
		echo:        transport.EchoFull,
		stepsPerRev: 200,
		subs:        handle.NewTable[Subscription](MaxSubscriptions),
		connStr:     connStr,
		log:         log.With(zap.String("device", connStr)),
	}
}

// transport.DeviceView implementation.

func (d *Device) Address() byte   { return d.addr }
func (d *Device) PartyMode() bool { return d.party || d.addr == '*' }
func (d *Device) Checksum() transport.ChecksumMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checksum
}
func (d *Device) SetChecksum(m transport.ChecksumMode) { d.mu.Lock(); d.checksum = m; d.mu.Unlock() }
func (d *Device) Echo() transport.EchoMode             { d.mu.Lock(); defer d.mu.Unlock(); return d.echo }
func (d *Device) Speed() int                           { d.mu.Lock(); defer d.mu.Unlock(); return d.speed }
func (d *Device) Latency() time.Duration               { d.mu.Lock(); defer d.mu.Unlock(); return d.latency }
func (d *Device) SetLatency(l time.Duration)           { d.mu.Lock(); d.latency = l; d.mu.Unlock() }
func (d *Device) IgnoreErrors() bool                   { d.mu.Lock(); defer d.mu.Unlock(); return d.ignoreErrors }
func (d *Device) Stats() *transport.Stats              { return &d.stats }
func (d *Device) ID() string                           { return d.connStr }

func (d *Device) EnterNest() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nest++
	return d.nest
}

func (d *Device) ExitNest() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nest--
	return d.nest
}

func (d *Device) NestDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nest
}

// Bus returns the Bus this device communicates over, used by MCESTOP's
// broadcast pseudo-device path.
func (d *Device) Bus() *transport.Bus { return d.bus }

func (d *Device) setSpeed(v int)               { d.mu.Lock(); d.speed = v; d.mu.Unlock() }
func (d *Device) setEcho(m transport.EchoMode) { d.mu.Lock(); d.echo = m; d.mu.Unlock() }
func (d *Device) setAddr(a byte) {
	d.mu.Lock()
	d.addr = a
	d.party = a != '!' && a != '*'
	d.mu.Unlock()
}

func (d *Device) markLoaded(f LoadedFlag) { d.mu.Lock(); d.loaded |= f; d.mu.Unlock() }
func (d *Device) isLoaded(f LoadedFlag) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded&f != 0
}

func (d *Device) stepsPerRevolution() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.encoderOn {
		return 2048
	}
	return d.stepsPerRev
}

// urevsToSteps converts the canonical distance unit to device-native steps
// (spec.md GLOSSARY, "urev").
func (d *Device) urevsToSteps(urevs int64) int64 {
	spr := int64(d.stepsPerRevolution())
	return urevs * spr / 1_000_000
}

func (d *Device) stepsToUrevs(steps int64) int64 {
	spr := int64(d.stepsPerRevolution())
	if spr == 0 {
		return 0
	}
	return steps * 1_000_000 / spr
}
