// Package dispatch wires inbound eventbus requests to Scheduler.Enqueue
// calls, the "inbound request → Scheduler picks Worker → Worker dequeues →
// dispatches to a per-request-type handler" control flow of spec.md §2.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/driver"
	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/eventbus"
	"github.com/greezybacon/mdrived/internal/handle"
	"github.com/greezybacon/mdrived/internal/mdrive"
	"github.com/greezybacon/mdrived/internal/scheduler"
)

// Op names the per-request-type handler a request envelope is dispatched
// to (spec.md §6, "Driver class contract").
type Op string

const (
	OpConnect       Op = "connect"
	OpDisconnect    Op = "disconnect"
	OpMove          Op = "move"
	OpStop          Op = "stop"
	OpHome          Op = "home"
	OpRead          Op = "read"
	OpWrite         Op = "write"
	OpSubscribe     Op = "subscribe"
	OpUnsubscribe   Op = "unsubscribe"
	OpLoadFirmware  Op = "load_firmware"
	OpLoadMicrocode Op = "load_microcode"
)

// ConnectRequest is OpConnect's payload.
type ConnectRequest struct {
	ConnString string
}

// ConnectReply is OpConnect's reply payload.
type ConnectReply struct {
	Handle handle.H
	Err    error
}

// HandleRequest is the payload shape shared by every op that targets an
// already-connected motor.
type HandleRequest struct {
	Handle handle.H
	Move   mdrive.MoveInstruction
	Stop   mdrive.StopKind
	Home   mdrive.HomeKind
	Dir    int
	Query  *mdrive.Query
	Event  mdrive.EventKind
	Cond   string
	Path   string
	Sub    handle.H
}

// Reply is the common reply envelope for handle-targeted ops.
type Reply struct {
	Query *mdrive.Query
	Sub   handle.H
	Err   error
}

// Dispatcher owns the bus subscription that feeds the Scheduler.
type Dispatcher struct {
	bus      *eventbus.EventBus
	sched    *scheduler.Scheduler
	cache    *driver.InstanceCache
	registry *driver.Registry
	log      *zap.Logger
}

// New wires a Dispatcher over the given services.
func New(bus *eventbus.EventBus, sched *scheduler.Scheduler, cache *driver.InstanceCache, registry *driver.Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{bus: bus, sched: sched, cache: cache, registry: registry, log: log}
}

// Serve subscribes to every motor request topic and routes each arriving
// envelope to the Scheduler until ctx is canceled.
func (d *Dispatcher) Serve(ctx context.Context) {
	client := d.bus.NewClient("dispatcher")
	sub := client.Subscribe(eventbus.TopicOf("motor", eventbus.Wildcard1, "request", eventbus.WildcardN))
	defer client.Disconnect()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			d.route(ctx, client, env)
		}
	}
}

func (d *Dispatcher) route(ctx context.Context, client *eventbus.Client, env *eventbus.Envelope) {
	op, _ := env.Topic[len(env.Topic)-1].(string)

	switch Op(op) {
	case OpConnect:
		req, ok := env.Payload.(ConnectRequest)
		if !ok {
			client.Reply(env, ConnectReply{Err: errcode.New("dispatch", errcode.EINVAL, "bad connect payload")})
			return
		}
		d.enqueueConnect(ctx, client, env, req)
	default:
		req, ok := env.Payload.(HandleRequest)
		if !ok {
			client.Reply(env, Reply{Err: errcode.New("dispatch", errcode.EINVAL, "bad request payload")})
			return
		}
		d.enqueueHandleOp(ctx, client, env, Op(op), req)
	}
}

// enqueueConnect dispatches via least_busy (no motor handle exists yet,
// spec.md §4.7, "If the motor is not connected, fall back to least_busy —
// this is the path connect requests take").
func (d *Dispatcher) enqueueConnect(ctx context.Context, client *eventbus.Client, env *eventbus.Envelope, req ConnectRequest) {
	_ = d.sched.Enqueue(scheduler.Target{Connected: false}, scheduler.WorkItem{Run: func() {
		h, err := d.cache.Acquire(ctx, d.registry, req.ConnString)
		if err == nil {
			d.bus.Publish(d.bus.NewEnvelope(eventbus.MotorStateTopic(h), eventbus.ConnectionState{Connected: true}, true))
		}
		client.Reply(env, ConnectReply{Handle: h, Err: err})
	}})
}

func (d *Dispatcher) enqueueHandleOp(ctx context.Context, client *eventbus.Client, env *eventbus.Envelope, op Op, req HandleRequest) {
	inst, ok := d.cache.Get(req.Handle)
	if !ok {
		client.Reply(env, Reply{Err: errcode.New("dispatch", errcode.EINVAL, "unknown or stale motor handle")})
		return
	}
	target := scheduler.Target{Connected: true, Group: inst.Group()}

	_ = d.sched.Enqueue(target, scheduler.WorkItem{Group: target.Group, Run: func() {
		client.Reply(env, d.runHandleOp(ctx, inst, op, req))
	}})
}

func (d *Dispatcher) runHandleOp(ctx context.Context, inst driver.Instance, op Op, req HandleRequest) Reply {
	switch op {
	case OpDisconnect:
		d.cache.Release(req.Handle)
		d.bus.Publish(d.bus.NewEnvelope(eventbus.MotorStateTopic(req.Handle), eventbus.ConnectionState{Connected: false}, true))
		return Reply{}
	case OpMove:
		return Reply{Err: inst.Move(ctx, req.Move)}
	case OpStop:
		return Reply{Err: inst.Stop(ctx, req.Stop)}
	case OpHome:
		return Reply{Err: inst.Home(ctx, req.Home, req.Dir)}
	case OpRead:
		err := inst.Read(ctx, req.Query)
		return Reply{Query: req.Query, Err: err}
	case OpWrite:
		return Reply{Err: inst.Write(ctx, req.Query)}
	case OpSubscribe:
		topic := eventbus.MotorEventTopic(req.Handle, string(req.Event))
		h, err := inst.Subscribe(req.Event, req.Cond, func(ev mdrive.Event) {
			d.bus.Publish(d.bus.NewEnvelope(topic, ev, false))
		})
		return Reply{Sub: h, Err: err}
	case OpUnsubscribe:
		inst.Unsubscribe(req.Sub)
		return Reply{}
	case OpLoadFirmware:
		return Reply{Err: inst.LoadFirmware(ctx, req.Path)}
	case OpLoadMicrocode:
		return Reply{Err: inst.LoadMicrocode(ctx, req.Path)}
	default:
		return Reply{Err: errcode.New("dispatch", errcode.EINVAL, "unknown op "+string(op))}
	}
}
