package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greezybacon/mdrived/internal/driver"
	"github.com/greezybacon/mdrived/internal/eventbus"
	"github.com/greezybacon/mdrived/internal/handle"
	"github.com/greezybacon/mdrived/internal/mdrive"
	"github.com/greezybacon/mdrived/internal/scheduler"
)

type fakeInstance struct {
	moved bool
	group uint64
}

func (f *fakeInstance) Destroy()                        {}
func (f *fakeInstance) Reset(ctx context.Context) error { return nil }
func (f *fakeInstance) Move(ctx context.Context, i mdrive.MoveInstruction) error {
	f.moved = true
	return nil
}
func (f *fakeInstance) Stop(ctx context.Context, k mdrive.StopKind) error        { return nil }
func (f *fakeInstance) Home(ctx context.Context, k mdrive.HomeKind, d int) error { return nil }
func (f *fakeInstance) Read(ctx context.Context, q *mdrive.Query) error {
	q.Int = 42
	return nil
}
func (f *fakeInstance) Write(ctx context.Context, q *mdrive.Query) error { return nil }
func (f *fakeInstance) Subscribe(k mdrive.EventKind, c string, cb func(mdrive.Event)) (handle.H, error) {
	cb(mdrive.Event{Kind: k})
	return handle.H{}, nil
}
func (f *fakeInstance) Unsubscribe(handle.H)                              {}
func (f *fakeInstance) LoadFirmware(ctx context.Context, p string) error  { return nil }
func (f *fakeInstance) LoadMicrocode(ctx context.Context, p string) error { return nil }
func (f *fakeInstance) Group() uint64                                     { return f.group }
func (f *fakeInstance) ConnString() string                                { return "mdrive:///dev/fake@9600:1" }

type fakeClass struct{ inst *fakeInstance }

func (c *fakeClass) Scheme() string                               { return "mdrive" }
func (c *fakeClass) Search(ctx context.Context) ([]string, error) { return nil, nil }
func (c *fakeClass) Initialize(ctx context.Context, connStr string) (driver.Instance, error) {
	return c.inst, nil
}

func newHarness(t *testing.T) (*Dispatcher, *eventbus.EventBus, *driver.InstanceCache, *driver.Registry) {
	t.Helper()
	bus := eventbus.New(8)
	registry := driver.NewRegistry()
	registry.RegisterClass(&fakeClass{inst: &fakeInstance{}})
	cache := driver.NewInstanceCache()
	sched := scheduler.New(scheduler.PolicyLeastBusy, nil)
	return New(bus, sched, cache, registry, nil), bus, cache, registry
}

func TestDispatcher_ConnectThenMove(t *testing.T) {
	disp, bus, _, _ := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Serve(ctx)

	client := bus.NewClient("test-client")

	connReply, err := client.RequestWait(context.Background(), client.NewEnvelope(
		eventbus.TopicOf("motor", "any", "request", string(OpConnect)), ConnectRequest{ConnString: "mdrive:///dev/fake@9600:1"}, false))
	require.NoError(t, err)
	cr := connReply.Payload.(ConnectReply)
	require.NoError(t, cr.Err)

	moveReply, err := client.RequestWait(context.Background(), client.NewEnvelope(
		eventbus.TopicOf("motor", "any", "request", string(OpMove)), HandleRequest{Handle: cr.Handle, Move: mdrive.MoveInstruction{Type: mdrive.MoveRelative, AmountUrevs: 10}}, false))
	require.NoError(t, err)
	r := moveReply.Payload.(Reply)
	assert.NoError(t, r.Err)
}

func TestDispatcher_UnknownHandleErrors(t *testing.T) {
	disp, bus, _, _ := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Serve(ctx)

	client := bus.NewClient("test-client")
	reply, err := client.RequestWait(context.Background(), client.NewEnvelope(
		eventbus.TopicOf("motor", "missing", "request", string(OpStop)), HandleRequest{Handle: handle.H{}, Stop: mdrive.MCStop}, false))
	require.NoError(t, err)
	r := reply.Payload.(Reply)
	assert.Error(t, r.Err)
}

func TestDispatcher_SubscribePublishesFannedOutEvent(t *testing.T) {
	disp, bus, cache, registry := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Serve(ctx)

	h, err := cache.Acquire(context.Background(), registry, "mdrive:///dev/fake@9600:1")
	require.NoError(t, err)

	watcher := bus.NewClient("watcher")
	sub := watcher.Subscribe(eventbus.MotorEventTopic(h, string(mdrive.EventMotion)))

	client := bus.NewClient("test-client")
	_, err = client.RequestWait(context.Background(), client.NewEnvelope(
		eventbus.TopicOf("motor", "any", "request", string(OpSubscribe)), HandleRequest{Handle: h, Event: mdrive.EventMotion}, false))
	require.NoError(t, err)

	select {
	case env := <-sub.Envelopes():
		ev := env.Payload.(mdrive.Event)
		assert.Equal(t, mdrive.EventMotion, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected fanned-out event, got none")
	}
}
