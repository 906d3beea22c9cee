package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort simulates a serial device: writes are inspected by a responder
// function which queues bytes for the next Read.
type fakePort struct {
	mu    sync.Mutex
	baud  int
	rxBuf []byte
	resp  func(written []byte) []byte
}

func (f *fakePort) Write(b []byte) (int, error) {
	out := f.resp(b)
	f.mu.Lock()
	f.rxBuf = append(f.rxBuf, out...)
	f.mu.Unlock()
	return len(b), nil
}

func (f *fakePort) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rxBuf) == 0 {
		return 0, nil
	}
	n := copy(buf, f.rxBuf)
	f.rxBuf = f.rxBuf[n:]
	return n, nil
}

func (f *fakePort) Reconfigure(baud int) error { f.baud = baud; return nil }
func (f *fakePort) Baud() int                  { return f.baud }
func (f *fakePort) Close() error               { return nil }

// testDev is a minimal DeviceView for transport tests.
type testDev struct {
	mu       sync.Mutex
	addr     byte
	party    bool
	checksum ChecksumMode
	echo     EchoMode
	speed    int
	latency  time.Duration
	ignore   bool
	nest     int
	stats    Stats
}

func (d *testDev) Address() byte            { return d.addr }
func (d *testDev) PartyMode() bool          { return d.party }
func (d *testDev) Checksum() ChecksumMode   { return d.checksum }
func (d *testDev) SetChecksum(m ChecksumMode) { d.checksum = m }
func (d *testDev) Echo() EchoMode           { return d.echo }
func (d *testDev) Speed() int               { return d.speed }
func (d *testDev) Latency() time.Duration   { return d.latency }
func (d *testDev) SetLatency(l time.Duration) { d.latency = l }
func (d *testDev) IgnoreErrors() bool       { return d.ignore }
func (d *testDev) Stats() *Stats            { return &d.stats }
func (d *testDev) ID() string               { return "testdev" }

func (d *testDev) EnterNest() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nest++
	return d.nest
}
func (d *testDev) ExitNest() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nest--
	return d.nest
}
func (d *testDev) NestDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nest
}

func newTestBus(t *testing.T, resp func([]byte) []byte) (*Bus, *fakePort) {
	t.Helper()
	port := &fakePort{baud: 9600, resp: resp}
	b := NewBus("/dev/fake", port, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	b.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})
	return b, port
}

func TestCommunicate_OKWithChecksum(t *testing.T) {
	dev := &testDev{addr: '!', checksum: ChecksumOn, speed: 9600}

	b, _ := newTestBus(t, func(written []byte) []byte {
		payload := []byte(" 3.013")
		out := append([]byte{byteACK}, payload...)
		out = append(out, checksumByte(payload), byteCR, byteLF)
		return out
	})

	class, resp, err := b.Communicate(context.Background(), dev, "PR VR", CommOptions{ExpectData: true})
	require.NoError(t, err)
	assert.Equal(t, ClassOK, class)
	require.NotNil(t, resp)
	assert.Equal(t, []byte(" 3.013"), resp.Payload)
}

func TestCommunicate_TimeoutRetries(t *testing.T) {
	dev := &testDev{addr: '!', checksum: ChecksumOff, speed: 9600}
	var writes int
	b, _ := newTestBus(t, func(written []byte) []byte {
		writes++
		return nil // never respond
	})

	class, _, err := b.Communicate(context.Background(), dev, "EX", CommOptions{WaitTime: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, ClassTimeout, class)
	assert.GreaterOrEqual(t, writes, 2, "default tries is 1+MaxRetries")
	assert.Equal(t, uint64(writes), dev.Stats().Timeouts)
}

func TestCommunicate_Error63AlwaysRetries(t *testing.T) {
	dev := &testDev{addr: '!', checksum: ChecksumOff, speed: 9600}

	attempt := 0
	b, _ := newTestBus(t, func(written []byte) []byte {
		attempt++
		if attempt < 3 {
			return []byte{byteACK, byteQuery, '6', '3', byteCR, byteLF}
		}
		return []byte{byteACK, byteCR, byteLF}
	})

	class, _, err := b.Communicate(context.Background(), dev, "MA 100", CommOptions{WaitTime: 50 * time.Millisecond, Tries: 5})
	require.NoError(t, err)
	assert.Equal(t, ClassOK, class)
	assert.Equal(t, 3, attempt)
}

func TestFrame_PartyModeChecksumAndTerminator(t *testing.T) {
	dev := &testDev{addr: 'b', party: true, checksum: ChecksumOn}
	out := frame(dev, "PR VR", false)
	require.True(t, len(out) > 0)
	assert.Equal(t, byte('b'), out[0])
	assert.Equal(t, byte('\n'), out[len(out)-1])
	// checksum byte is second-to-last, computed over addr+cmd
	cs := out[len(out)-2]
	assert.Equal(t, checksumByte(out[:len(out)-2]), cs)
}

func TestFrame_NonPartyModeUsesCR(t *testing.T) {
	dev := &testDev{addr: '!', party: false, checksum: ChecksumOff}
	out := frame(dev, "PR VR", false)
	assert.Equal(t, byte('\r'), out[len(out)-1])
	assert.Equal(t, "PR VR\r", string(out))
}
