package mdrive

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/serialport"
	"github.com/greezybacon/mdrived/internal/transport"
)

// DriverScheme is the connection-string prefix this package's driver class
// registers under (spec.md §6, "Connection string").
const DriverScheme = "mdrive"

var connRE = regexp.MustCompile(`^([^@:]+)(@\d+)?(:[A-Za-z0-9!*^])?$`)

// DefaultBaud is used when a connection string omits @SPEED.
const DefaultBaud = 9600

// DefaultAddr is used when a connection string omits :ADDR.
const DefaultAddr = '!'

// ParsedConn is a decoded mdrive:// connection string.
type ParsedConn struct {
	Raw  string
	Port string
	Baud int
	Addr byte
}

// ParseConnString parses a connection string of the form
// mdrive://PORT[@SPEED][:ADDR] per the regex in spec.md §4.2.
func ParseConnString(s string) (ParsedConn, error) {
	rest, ok := strings.CutPrefix(s, DriverScheme+"://")
	if !ok {
		return ParsedConn{}, errcode.New("parse_conn_string", errcode.EINVAL, "not an "+DriverScheme+":// connection string")
	}
	m := connRE.FindStringSubmatch(rest)
	if m == nil {
		return ParsedConn{}, errcode.New("parse_conn_string", errcode.EINVAL, "malformed connection string: "+s)
	}
	pc := ParsedConn{Raw: s, Port: m[1], Baud: DefaultBaud, Addr: DefaultAddr}
	if m[2] != "" {
		baud, err := strconv.Atoi(strings.TrimPrefix(m[2], "@"))
		if err != nil {
			return ParsedConn{}, errcode.New("parse_conn_string", errcode.EINVAL, "bad baud in "+s)
		}
		pc.Baud = baud
	}
	if m[3] != "" {
		pc.Addr = m[3][1]
	}
	return pc, nil
}

// BusManager owns the set of open Buses, keyed by port path, with a
// reference count matching the number of live Devices on each (spec.md §3,
// Bus lifecycle: "destroyed when its active-device refcount drops to
// zero").
type BusManager struct {
	mu   sync.Mutex
	log  *zap.Logger
	opts transport.Options

	buses map[string]*busRef
}

type busRef struct {
	bus      *transport.Bus
	refcount int
	cancel   context.CancelFunc
}

// NewBusManager constructs an empty BusManager; opts configure every Bus it
// opens (spec.md §6, MIN_TX_GAP_NSEC / MAX_RETRIES).
func NewBusManager(opts transport.Options) *BusManager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &BusManager{log: log, opts: opts, buses: map[string]*busRef{}}
}

// Acquire opens (or aliases) the Bus for port at baud, bumping its
// refcount. Acquire always sets the line speed of a freshly opened Bus;
// an already-open Bus keeps running at whatever speed its last writer set
// (spec.md §4.1, "switches Bus line speed to Device.speed on every write").
func (m *BusManager) Acquire(port string, baud int) (*transport.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if br, ok := m.buses[port]; ok {
		br.refcount++
		return br.bus, nil
	}

	sp, err := serialport.Open(port, baud, 200*time.Millisecond)
	if err != nil {
		return nil, errcode.Wrap("bus_acquire", errcode.CommFail, err)
	}
	bus := transport.NewBus(port, sp, m.opts)
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)

	m.buses[port] = &busRef{bus: bus, refcount: 1, cancel: cancel}
	return bus, nil
}

// Release drops a Device's reference to port's Bus, tearing it down once
// the last reference is gone.
func (m *BusManager) Release(port string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	br, ok := m.buses[port]
	if !ok {
		return
	}
	br.refcount--
	if br.refcount > 0 {
		return
	}
	br.cancel()
	_ = br.bus.Close()
	delete(m.buses, port)
}

// Connect implements the driver class's initialize(self, conn_str)
// (spec.md §4.2, §6).
func Connect(ctx context.Context, bm *BusManager, connStr string, log *zap.Logger) (*Device, error) {
	pc, err := ParseConnString(connStr)
	if err != nil {
		return nil, err
	}
	bus, err := bm.Acquire(pc.Port, pc.Baud)
	if err != nil {
		return nil, err
	}

	dev := NewDevice(bus, pc.Addr, pc.Baud, connStr, log)
	if dev.addr == '*' {
		return dev, nil
	}

	if err := configInspect(ctx, dev, true); err != nil {
		bm.Release(pc.Port)
		return nil, errcode.Wrap("connect", errcode.CommFail, err)
	}
	return dev, nil
}

// Disconnect releases dev's Bus reference. It is infallible per the driver
// class contract's destroy(self).
func Disconnect(bm *BusManager, dev *Device, port string) {
	bm.Release(port)
}
