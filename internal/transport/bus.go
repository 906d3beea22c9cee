// Package transport implements the serial-bus state machine of spec.md
// §4.1: one reader goroutine per Bus parses the idiosyncratic MDrive
// response stream and correlates it to the synchronous Communicate call
// that frames, sends, times out, retries and classifies a transaction.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PortIO is the byte-level transport a Bus drives. internal/serialport.Port
// satisfies it.
type PortIO interface {
	Write([]byte) (int, error)
	Read([]byte) (int, error)
	Reconfigure(baud int) error
	Baud() int
	Close() error
}

// EventHandler is invoked by the reader task when it parses an asynchronous
// event frame; addr is the emitting device's party address, code its event
// code (spec.md §4.1, "signal_event_for_address").
type EventHandler func(addr byte, code int)

// Options configures a Bus's timing knobs (spec.md §6).
type Options struct {
	MinTxGap   time.Duration // MIN_TX_GAP_NSEC, default 0
	MaxRetries int           // MAX_RETRIES, default 1 (meaning 1+1 tries)
	Logger     *zap.Logger
}

// Bus owns one physical serial port and serializes transactions on it
// (spec.md §3, "Bus"). Exactly one transaction is ever in flight.
type Bus struct {
	id   string
	port PortIO

	opts Options
	log  *zap.Logger

	txMu         sync.Mutex
	lastTx       time.Time
	lastActivity time.Time
	txid         uint64

	rxMu   sync.Mutex
	rxCond *sync.Cond
	queue  []*Response // stack: last-pushed-first

	onEvent atomic.Value // EventHandler

	parser       *Parser
	curFrameTxid uint64

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewBus creates a Bus bound to an already-open port at its initial speed.
func NewBus(id string, port PortIO, opts Options) *Bus {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	b := &Bus{
		id:     id,
		port:   port,
		opts:   opts,
		log:    opts.Logger.With(zap.String("bus", id)),
		parser: NewParser(),
		done:   make(chan struct{}),
	}
	b.rxCond = sync.NewCond(&b.rxMu)
	return b
}

func (b *Bus) ID() string { return b.id }

// SetEventHandler installs the callback the reader task invokes for
// asynchronous event frames.
func (b *Bus) SetEventHandler(h EventHandler) { b.onEvent.Store(h) }

// Start launches the reader task. It returns once the goroutine is
// running; Close or ctx cancellation stops it.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.readerLoop(ctx)
}

// Close stops the reader task and closes the underlying port.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		<-b.done
	})
	b.rxMu.Lock()
	b.queue = nil
	b.rxCond.Broadcast()
	b.rxMu.Unlock()
	return b.port.Close()
}

func oneCharTime(baud int) time.Duration {
	if baud <= 0 {
		baud = 9600
	}
	// 10 bits per character (start + 8 data + stop) at baud bits/sec.
	return time.Duration(float64(time.Second) * 10 / float64(baud))
}

func (b *Bus) readerLoop(ctx context.Context) {
	defer close(b.done)
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		time.Sleep(oneCharTime(b.port.Baud()))
		n, err := b.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if n == 0 {
			continue
		}
		b.handleBytes(buf[:n])
	}
}

func (b *Bus) handleBytes(buf []byte) {
	for _, c := range buf {
		if b.parser.Current().Processed {
			if b.parser.ConsumeTrailer(c) {
				continue
			}
			b.finalize(b.parser.Current())
			b.startFrame()
		}
		if b.parser.Current().NRecv == 0 {
			b.curFrameTxid = atomic.LoadUint64(&b.txid)
		}
		b.parser.Feed(c)
	}
	if b.parser.Current().Processed {
		b.finalize(b.parser.Current())
		b.startFrame()
	}
}

func (b *Bus) startFrame() {
	b.parser.Reset()
}

func (b *Bus) finalize(r *Response) {
	if r.NRecv == 0 {
		return
	}
	if b.curFrameTxid != atomic.LoadUint64(&b.txid) {
		// Belongs to a stale transaction; discard per spec.md §4.1.
		return
	}
	if r.Event {
		if h, _ := b.onEvent.Load().(EventHandler); h != nil {
			h(r.Address, r.Code)
		}
		return
	}
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	cp.Txid = atomic.LoadUint64(&b.txid)

	b.rxMu.Lock()
	b.queue = append(b.queue, &cp)
	b.rxCond.Broadcast()
	b.rxMu.Unlock()
}

// flush drops every queued response, used before a fresh transaction starts
// at nest depth zero (spec.md §4.1, "Before writing, flushes the Bus
// response queue if nest depth was zero").
func (b *Bus) flush() {
	b.rxMu.Lock()
	b.queue = b.queue[:0]
	b.rxMu.Unlock()
}

// popFor waits (bounded by deadline) for a response whose Txid matches
// wantTxid, discarding anything staler. It returns nil, false on timeout.
func (b *Bus) popFor(wantTxid uint64, deadline time.Time) (*Response, bool) {
	b.rxMu.Lock()
	defer b.rxMu.Unlock()
	for {
		for i := len(b.queue) - 1; i >= 0; i-- {
			r := b.queue[i]
			if r.Txid < wantTxid {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				continue
			}
			if r.Txid == wantTxid {
				b.queue = append(b.queue[:i], b.queue[i+1:]...)
				return r, true
			}
		}
		d := time.Until(deadline)
		if d <= 0 {
			return nil, false
		}
		t := time.AfterFunc(d, func() {
			b.rxMu.Lock()
			b.rxCond.Broadcast()
			b.rxMu.Unlock()
		})
		b.rxCond.Wait()
		t.Stop()
		if !time.Now().Before(deadline) {
			// one more scan before giving up, in case the broadcast that
			// woke us also delivered the response
			for i := len(b.queue) - 1; i >= 0; i-- {
				if b.queue[i].Txid == wantTxid {
					r := b.queue[i]
					b.queue = append(b.queue[:i], b.queue[i+1:]...)
					return r, true
				}
			}
			return nil, false
		}
	}
}

// CommOptions parameterizes one Communicate call (spec.md §4.1, "Writer
// contract").
type CommOptions struct {
	ExpectData bool
	Raw        bool
	ExpectErr  bool
	Tries      int // 0 = use Bus default (1 + MaxRetries)
	WaitTime   time.Duration
}

// frame builds the outgoing byte sequence for cmd per spec.md §6's
// on-the-wire frame grammar.
func frame(dev DeviceView, cmd string, raw bool) []byte {
	var buf []byte
	if dev.PartyMode() {
		buf = append(buf, dev.Address())
	}
	buf = append(buf, cmd...)

	checksum := dev.Checksum() == ChecksumOn
	if raw {
		if checksum {
			buf = append(buf, checksumByte(buf))
		}
		return buf
	}

	term := byte('\r')
	if dev.PartyMode() {
		term = '\n'
	}
	if checksum {
		buf = append(buf, checksumByte(buf))
	}
	buf = append(buf, term)
	return buf
}

// Communicate implements the full writer contract + timeout algorithm +
// retry policy of spec.md §4.1.
func (b *Bus) Communicate(ctx context.Context, dev DeviceView, cmd string, opts CommOptions) (Classification, *Response, error) {
	depth := dev.EnterNest()
	defer dev.ExitNest()

	if depth == 1 {
		b.txMu.Lock()
		defer b.txMu.Unlock()
		b.flush()
	}

	tries := opts.Tries
	if tries <= 0 {
		tries = 1 + b.opts.MaxRetries
	}

	var lastClass Classification
	var lastResp *Response
	var lastErr error

	for attempt := 0; attempt < tries; attempt++ {
		class, resp, err := b.communicateOnce(ctx, dev, cmd, opts)
		lastClass, lastResp, lastErr = class, resp, err
		if err != nil {
			return class, resp, err
		}
		if !shouldRetry(class, opts.ExpectErr) {
			return b.handleClassified(ctx, dev, class, resp, opts)
		}
		dev.Stats().Resends++
	}
	return lastClass, lastResp, lastErr
}

// handleClassified performs the device-error-code side effects described in
// spec.md §4.1 ("If error flag...") once a terminal classification for this
// attempt has been reached.
func (b *Bus) handleClassified(ctx context.Context, dev DeviceView, class Classification, resp *Response, opts CommOptions) (Classification, *Response, error) {
	if class != ClassError || resp == nil || !resp.ErrorFlag {
		return class, resp, nil
	}

	code := resp.Code
	if code == 0 && dev.NestDepth() == 1 && !dev.IgnoreErrors() {
		if _, r2, err := b.Communicate(ctx, dev, "PR ER", CommOptions{ExpectData: true, Tries: 1, ExpectErr: true}); err == nil && r2 != nil {
			fmt.Sscanf(string(r2.Payload), "%d", &code)
		}
	}

	_, _, _ = b.Communicate(ctx, dev, "ER", CommOptions{Tries: 1, ExpectErr: true})

	if code == 63 {
		return ClassRetry, resp, nil
	}
	resp.Code = code
	return ClassError, resp, nil
}

func (b *Bus) communicateOnce(ctx context.Context, dev DeviceView, cmd string, opts CommOptions) (Classification, *Response, error) {
	if err := b.port.Reconfigure(dev.Speed()); err != nil {
		return ClassIOError, nil, err
	}

	now := time.Now()
	earliest := b.lastActivity.Add(b.opts.MinTxGap)
	if earliest.After(now) {
		time.Sleep(earliest.Sub(now))
	}

	out := frame(dev, cmd, opts.Raw)
	txid := atomic.AddUint64(&b.txid, 1)

	sendTime := time.Now()
	n, err := b.port.Write(out)
	dev.Stats().Tx++
	dev.Stats().TxBytes += uint64(n)
	b.lastTx = time.Now()
	b.lastActivity = b.lastTx
	if err != nil {
		return ClassIOError, nil, err
	}

	deadline := b.computeDeadline(dev, opts, sendTime)
	resp, ok := b.popFor(txid, deadline)
	if !ok {
		dev.Stats().Timeouts++
		return ClassTimeout, nil, nil
	}

	if opts.ExpectData && !resp.Processed {
		extended := deadline.Add(25*time.Millisecond + oneCharTime(dev.Speed())*62)
		resp2, ok2 := b.popFor(txid, extended)
		if ok2 {
			resp = resp2
		}
	}

	b.learnLatency(dev, resp, sendTime)
	dev.Stats().Rx++
	dev.Stats().RxBytes += uint64(len(resp.Payload))
	if resp.Ack {
		dev.Stats().Acks++
	}
	if resp.Nack {
		dev.Stats().Nacks++
	}
	if !resp.ChecksumGood && len(resp.Payload) > 0 && dev.Checksum() == ChecksumOn {
		dev.Stats().BadChecksums++
	}

	class := classify(dev, resp)

	// Checksum-mode self-repair: solitary NACK with empty payload while we
	// believe checksum is off means the unit is actually in checksum mode.
	if dev.Checksum() == ChecksumOff && resp.Nack && len(resp.Payload) == 0 {
		dev.SetChecksum(ChecksumOn)
	}

	return class, resp, nil
}

// computeDeadline implements the two-phase timeout algorithm of spec.md
// §4.1.
func (b *Bus) computeDeadline(dev DeviceView, opts CommOptions, sendTime time.Time) time.Time {
	if opts.WaitTime > 0 {
		return sendTime.Add(opts.WaitTime)
	}
	latency := dev.Latency()
	if latency <= 0 {
		latency = 15 * time.Millisecond
	}
	budget := latency + 40*time.Millisecond
	if dev.Checksum() == ChecksumOff {
		budget += 25*time.Millisecond + oneCharTime(dev.Speed())*62
	}
	return sendTime.Add(budget)
}

// learnLatency maintains the per-Device exponential moving average
// (weight 1/32) from spec.md §4.1.
func (b *Bus) learnLatency(dev DeviceView, resp *Response, sendTime time.Time) {
	elapsed := time.Since(sendTime)
	charTime := oneCharTime(dev.Speed())
	measured := elapsed - charTime*time.Duration(resp.NRecv)
	if measured < 0 {
		measured = 0
	}
	cur := dev.Latency()
	if cur <= 0 {
		dev.SetLatency(measured)
		return
	}
	next := cur + (measured-cur)/32
	dev.SetLatency(next)
}
