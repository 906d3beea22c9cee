// Package serialport adapts github.com/grid-x/serial to the narrow
// interface the transport layer needs: open at a given speed, write/read
// raw bytes, and reconfigure the line speed of an already-open port.
//
// grid-x/serial (like its goburrow/serial ancestor) has no notion of
// changing the baud rate on a live handle, so Reconfigure closes and
// reopens the same device path — the standard workaround for these
// termios-backed libraries.
package serialport

import (
	"fmt"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

// Port is a reopenable serial handle. An internal mutex guards the handle,
// so the Bus's reader goroutine may call Read while a transaction calls
// Write or Reconfigure.
type Port struct {
	mu      sync.Mutex
	path    string
	baud    int
	timeout time.Duration
	port    serial.Port
}

// Open opens path at the given baud rate, 8 data bits, 1 stop bit, no
// parity — the MDrive factory default framing.
func Open(path string, baud int, timeout time.Duration) (*Port, error) {
	p := &Port{path: path, baud: baud, timeout: timeout}
	if err := p.open(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Port) open() error {
	cfg := &serial.Config{
		Address:  p.path,
		BaudRate: p.baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  p.timeout,
	}
	sp, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("serialport: open %s@%d: %w", p.path, p.baud, err)
	}
	p.port = sp
	return nil
}

// Baud returns the speed the port is currently configured at.
func (p *Port) Baud() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baud
}

// Reconfigure switches the port to a new baud rate, closing and reopening
// the underlying OS handle if the speed actually changed.
func (p *Port) Reconfigure(baud int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if baud == p.baud && p.port != nil {
		return nil
	}
	if p.port != nil {
		_ = p.port.Close()
	}
	p.baud = baud
	return p.open()
}

// Write writes b in full, looping on short writes, matching the writer
// contract's "loop on short writes" requirement (spec.md §4.1).
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for total < len(b) {
		n, err := p.port.Write(b[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("serialport: zero-length write to %s", p.path)
		}
	}
	return total, nil
}

// Read performs one non-blocking-ish read, returning whatever bytes are
// currently available (grid-x/serial enforces the read timeout via the
// Config.Timeout set at Open/Reconfigure time).
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	return port.Read(buf)
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

func (p *Port) Path() string { return p.path }
