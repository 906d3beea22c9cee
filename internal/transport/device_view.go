package transport

import "time"

// ChecksumMode is the device's current checksum negotiation state
// (spec.md §3, Device attributes).
type ChecksumMode int

const (
	ChecksumOff ChecksumMode = iota
	ChecksumOn
	ChecksumBusyNack
)

// EchoMode is the device's current echo negotiation state.
type EchoMode int

const (
	EchoFull EchoMode = iota
	EchoPrompt
	EchoQuiet
	EchoDelay
)

// Stats is the per-Device transaction statistics record (spec.md §4.1,
// "Latency learning and unit statistics").
type Stats struct {
	Tx, Rx                   uint64
	TxBytes, RxBytes         uint64
	Acks, Nacks              uint64
	Resends, Timeouts        uint64
	BadChecksums, Overflows  uint64
	Stalls, Reboots          uint64
	MovingTime, IdleTime     time.Duration
	OffTime                  time.Duration
}

// DeviceView is the subset of Device state and behavior the transport layer
// needs to frame, time out, retry and classify a transaction, without the
// transport package depending on the mdrive package (which itself depends
// on transport for Bus/Communicate).
type DeviceView interface {
	Address() byte
	PartyMode() bool
	Checksum() ChecksumMode
	SetChecksum(ChecksumMode)
	Echo() EchoMode
	Speed() int
	Latency() time.Duration
	SetLatency(time.Duration)
	IgnoreErrors() bool

	// EnterNest/ExitNest implement the nest counter that stands in for a
	// reentrant tx-lock (spec.md §9 design note): EnterNest returns the
	// depth after incrementing; ExitNest decrements it. NestDepth reads the
	// current depth without mutating it.
	EnterNest() int
	ExitNest() int
	NestDepth() int

	Stats() *Stats
	ID() string
}
