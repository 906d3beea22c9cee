package driver

import (
	"context"
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/handle"
	"github.com/greezybacon/mdrived/internal/mdrive"
	"github.com/greezybacon/mdrived/internal/timer"
	"github.com/greezybacon/mdrived/internal/transport"
)

// MDriveClass adapts internal/mdrive to the Class/Instance contract, the
// one driver class this daemon ships (spec.md §4.2-§4.6).
type MDriveClass struct {
	bm      *mdrive.BusManager
	devices *mdrive.BusDeviceTable
	mover   *mdrive.Mover
	log     *zap.Logger
}

// NewMDriveClass wires a BusManager, the event-routing table and the
// completion-timer-backed Mover into one registrable Class.
func NewMDriveClass(busOpts transport.Options, timerSvc *timer.Service, log *zap.Logger) *MDriveClass {
	if log == nil {
		log = zap.NewNop()
	}
	return &MDriveClass{
		bm:      mdrive.NewBusManager(busOpts),
		devices: mdrive.NewBusDeviceTable(),
		mover:   &mdrive.Mover{Timer: timerSvc},
		log:     log,
	}
}

func (c *MDriveClass) Scheme() string { return mdrive.DriverScheme }

func (c *MDriveClass) Search(ctx context.Context) ([]string, error) {
	return mdrive.Search("/dev", c.log)
}

func (c *MDriveClass) Initialize(ctx context.Context, connStr string) (Instance, error) {
	dev, err := mdrive.Connect(ctx, c.bm, connStr, c.log)
	if err != nil {
		return nil, err
	}
	// Connect already validated connStr via the same parser, so this
	// cannot fail here.
	pc, _ := mdrive.ParseConnString(connStr)
	c.devices.Register(dev.Bus().ID(), dev)

	if _, ferr := mdrive.InspectFeatures(ctx, dev); ferr != nil {
		c.log.Debug("feature inspection failed, move label unavailable", zap.Error(ferr))
	}

	return &mdriveInstance{
		class:   c,
		dev:     dev,
		port:    pc.Port,
		connStr: connStr,
	}, nil
}

type mdriveInstance struct {
	class   *MDriveClass
	dev     *mdrive.Device
	port    string
	connStr string
}

func (i *mdriveInstance) Destroy() {
	i.class.devices.Unregister(i.dev.Bus().ID(), i.dev.Address())
	mdrive.Disconnect(i.class.bm, i.dev, i.port)
}

func (i *mdriveInstance) Reset(ctx context.Context) error { return mdrive.Reset(ctx, i.dev) }

func (i *mdriveInstance) Move(ctx context.Context, instr mdrive.MoveInstruction) error {
	return i.class.mover.Move(ctx, i.dev, instr)
}

func (i *mdriveInstance) Stop(ctx context.Context, kind mdrive.StopKind) error {
	return mdrive.Stop(ctx, i.dev, kind)
}

func (i *mdriveInstance) Home(ctx context.Context, kind mdrive.HomeKind, dir int) error {
	return mdrive.Home(ctx, i.dev, kind, dir)
}

func (i *mdriveInstance) Read(ctx context.Context, q *mdrive.Query) error {
	return mdrive.Read(ctx, i.dev, q)
}

func (i *mdriveInstance) Write(ctx context.Context, q *mdrive.Query) error {
	return mdrive.Write(ctx, i.dev, q)
}

func (i *mdriveInstance) Subscribe(kind mdrive.EventKind, cond string, cb func(mdrive.Event)) (handle.H, error) {
	return i.dev.Subscribe(kind, cond, cb)
}

func (i *mdriveInstance) Unsubscribe(h handle.H) { i.dev.Unsubscribe(h) }

func (i *mdriveInstance) LoadFirmware(ctx context.Context, path string) error {
	return mdrive.LoadFirmware(ctx, i.dev, path)
}

func (i *mdriveInstance) LoadMicrocode(ctx context.Context, path string) error {
	return mdrive.LoadMicrocode(ctx, i.dev, path)
}

// Group hashes the Bus identity (its port path) into the uint64 the
// scheduler's driver_group policy pins Workers by.
func (i *mdriveInstance) Group() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(i.dev.Bus().ID()))
	return h.Sum64()
}

func (i *mdriveInstance) ConnString() string { return i.connStr }
