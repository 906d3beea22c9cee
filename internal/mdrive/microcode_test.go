package mdrive

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greezybacon/mdrived/internal/transport"
)

// scriptedPort answers its first write with an ECLOBBER error frame
// ("?28\r\n") and every write after that with a bare ACK, just enough to
// drive scenario 6 of spec.md §8 (ECLOBBER recovery on a microcode line)
// without a real unit.
type scriptedPort struct {
	mu          sync.Mutex
	baud        int
	buf         []byte
	lastWrite   []byte
	clobberNext bool
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastWrite = append([]byte(nil), b...)
	if p.clobberNext {
		p.clobberNext = false
		p.buf = append(p.buf, '?', '2', '8', '\r', '\n')
	} else {
		p.buf = append(p.buf, 0x06, '\r', '\n')
	}
	return len(b), nil
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return 0, nil
	}
	n := copy(buf, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *scriptedPort) Reconfigure(baud int) error { p.baud = baud; return nil }
func (p *scriptedPort) Baud() int                  { return p.baud }
func (p *scriptedPort) Close() error               { return nil }

func newScriptedDevice(t *testing.T) (*Device, *scriptedPort) {
	t.Helper()
	port := &scriptedPort{baud: 9600, clobberNext: true}
	bus := transport.NewBus("testbus", port, transport.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	bus.Start(ctx)
	t.Cleanup(cancel)
	dev := NewDevice(bus, '1', 9600, "mdrive:///dev/test@9600:1", nil)
	return dev, port
}

func TestSendMicrocodeLine_RecoversFromEClobberOnVADeclaration(t *testing.T) {
	dev, port := newScriptedDevice(t)

	err := sendMicrocodeLine(context.Background(), dev, "VA foo = 5")
	require.NoError(t, err)
	assert.NotContains(t, string(port.lastWrite), "VA ", "retry must drop the VA prefix")
}

func TestSendMicrocodeLine_NonRecoverableClobberErrors(t *testing.T) {
	dev, _ := newScriptedDevice(t)

	// "MV 10" is not a VA declaration, so an ECLOBBER on it (forced by the
	// scripted port's first-write-clobbers behavior) can't be recovered by
	// stripping a prefix.
	err := sendMicrocodeLine(context.Background(), dev, "MV 10")
	require.Error(t, err)
}

func TestStripVADeclaration(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantOK  bool
		comment string
	}{
		{"VA foo = 5", "foo = 5", true, "uppercase prefix"},
		{"va bar = 1", "bar = 1", true, "lowercase prefix"},
		{"MV 100", "", false, "not a VA declaration"},
		{"S", "", false, "bare S instruction"},
	}
	for _, c := range cases {
		got, ok := stripVADeclaration(c.in)
		assert.Equal(t, c.wantOK, ok, c.comment)
		if c.wantOK {
			assert.Equal(t, c.want, got, c.comment)
		}
	}
}

func TestIsBareSInstruction(t *testing.T) {
	assert.True(t, isBareSInstruction("S"))
	assert.True(t, isBareSInstruction("S "))
	assert.False(t, isBareSInstruction("SA"))
	assert.False(t, isBareSInstruction("MV 10"))
}

func TestStripMicrocodeComment(t *testing.T) {
	assert.Equal(t, "MV 10", stripMicrocodeComment("MV 10 'move ten"))
	assert.Equal(t, "", stripMicrocodeComment("'entire line is a comment"))
	assert.Equal(t, "PG 1", stripMicrocodeComment("  PG 1  "))
}
