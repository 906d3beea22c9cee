package mdrive

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/transport"
)

// factoryUpgradeBaud is the fixed speed the unit drops to in bootloader
// mode (spec.md §4.6).
const factoryUpgradeBaud = 19200

var firmwareHandshake = []string{":IMSInc\r", "::v\r", "::c\r", "::p\r", "::s\r", "::e\r"}

// LoadFirmware implements spec.md §4.6's "Firmware": puts the unit into
// factory upgrade mode, performs the magic handshake, streams an
// Intel-HEX-like file, then switches the Bus back to the unit's original
// speed and re-runs configInspect. It sends no reboot command after the
// upload.
func LoadFirmware(ctx context.Context, d *Device, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errcode.Wrap("load_firmware", errcode.ERBadFile, err)
	}
	defer f.Close()

	origSpeed := d.Speed()

	if _, _, err := d.bus.Communicate(ctx, d, "UG 2956102", transport.CommOptions{Tries: 1}); err != nil {
		return errcode.Wrap("load_firmware", errcode.EIO, err)
	}
	d.setSpeed(factoryUpgradeBaud)
	d.mu.Lock()
	d.upgradeMode = true
	d.mu.Unlock()

	if err := firmwareHandshakeRoundTrip(ctx, d); err != nil {
		return err
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, ok := stripToHexRecord(line)
		if !ok {
			continue
		}
		if hexRecordType(rec) == "03" {
			continue
		}
		if err := sendFirmwareLine(ctx, d, rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errcode.Wrap("load_firmware", errcode.ERBadFile, err)
	}

	d.mu.Lock()
	d.upgradeMode = false
	d.mu.Unlock()
	d.setSpeed(origSpeed)
	return configInspect(ctx, d, true)
}

const maxHandshakeAttempts = 20

func firmwareHandshakeRoundTrip(ctx context.Context, d *Device) error {
	for _, step := range firmwareHandshake {
		acked := false
		for attempt := 0; attempt < maxHandshakeAttempts; attempt++ {
			time.Sleep(11 * time.Millisecond)
			class, _, err := d.bus.Communicate(ctx, d, step, transport.CommOptions{Raw: true, Tries: 1, WaitTime: 250 * time.Millisecond})
			if err == nil && class == transport.ClassOK {
				acked = true
				break
			}
			time.Sleep(250 * time.Millisecond)
		}
		if !acked {
			return errcode.New("load_firmware", errcode.CommFail, "handshake step "+step+" never acked")
		}
	}
	return nil
}

// stripToHexRecord reduces an Intel-HEX-like text line to ":" + hex
// digits, discarding anything else on the line.
func stripToHexRecord(line string) (string, bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", false
	}
	rec := line[i:]
	if len(rec) < 9 {
		return "", false
	}
	return rec, true
}

func hexRecordType(rec string) string {
	if len(rec) < 9 {
		return ""
	}
	return rec[7:9]
}

func sendFirmwareLine(ctx context.Context, d *Device, rec string) error {
	out := rec + "\r"
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		pacing := time.Duration(attempt+1) * time.Millisecond
		time.Sleep(pacing)
		class, _, err := d.bus.Communicate(ctx, d, out, transport.CommOptions{Raw: true, Tries: 1, WaitTime: 250 * time.Millisecond})
		if err == nil && class == transport.ClassOK {
			return nil
		}
		lastErr = err
	}
	return errcode.Wrap("load_firmware", errcode.EIO, lastErr)
}
