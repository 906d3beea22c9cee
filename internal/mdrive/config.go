package mdrive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/transport"
)

// configInspect detects, and optionally pushes, a device's checksum and
// echo mode (spec.md §4.2). A bus-broadcast pseudo-device is a no-op.
func configInspect(ctx context.Context, d *Device, set bool) error {
	if d.addr == '*' {
		return nil
	}

	d.setEcho(transport.EchoFull)

	if err := detectChecksum(ctx, d); err != nil {
		return err
	}
	if err := detectEcho(ctx, d); err != nil {
		return err
	}

	if set {
		if err := pushPreferredMode(ctx, d); err != nil {
			return err
		}
	}

	d.markLoaded(LoadedCommConfig)
	return nil
}

// detectChecksum tries OFF then ON, keeping the first mode under which "CK"
// round-trips successfully.
func detectChecksum(ctx context.Context, d *Device) error {
	for _, mode := range []transport.ChecksumMode{transport.ChecksumOff, transport.ChecksumOn} {
		d.SetChecksum(mode)
		class, _, err := d.bus.Communicate(ctx, d, "PR CK", transport.CommOptions{ExpectData: true, Tries: 1, ExpectErr: true})
		if err == nil && class == transport.ClassOK {
			return nil
		}
	}
	return errcode.New("config_inspect", errcode.CommFail, "could not detect checksum mode")
}

// detectEcho tries ON, PROMPT, QUIET, keeping the first mode under which an
// integer round-trips.
func detectEcho(ctx context.Context, d *Device) error {
	modes := []transport.EchoMode{transport.EchoFull, transport.EchoPrompt, transport.EchoQuiet}
	for _, mode := range modes {
		d.setEcho(mode)
		class, resp, err := d.bus.Communicate(ctx, d, "PR EM", transport.CommOptions{ExpectData: true, Tries: 1, ExpectErr: true})
		if err == nil && class == transport.ClassOK && resp != nil {
			if _, perr := strconv.Atoi(strings.TrimSpace(string(resp.Payload))); perr == nil {
				return nil
			}
		}
	}
	return errcode.New("config_inspect", errcode.CommFail, "could not detect echo mode")
}

// pushPreferredMode moves the device to the driver-preferred mode:
// checksum ON, echo PROMPT (spec.md §4.2, "Connect").
func pushPreferredMode(ctx context.Context, d *Device) error {
	if d.Checksum() != transport.ChecksumOn {
		if _, _, err := d.bus.Communicate(ctx, d, "CK=1", transport.CommOptions{Tries: 1}); err != nil {
			return err
		}
		d.SetChecksum(transport.ChecksumOn)
	}
	if d.Echo() != transport.EchoPrompt {
		if _, _, err := d.bus.Communicate(ctx, d, "EM=2", transport.CommOptions{Tries: 1}); err != nil {
			return err
		}
		d.setEcho(transport.EchoPrompt)
	}
	return nil
}

// encodedBaud maps a human baud rate to the unit's BD register encoding.
func encodedBaud(baud int) (int, error) {
	switch baud {
	case 4800:
		return 4800, nil
	case 9600:
		return 9600, nil
	case 19200:
		return 19200, nil
	case 38400:
		return 38400, nil
	case 115200:
		return 115200, nil
	default:
		return 0, errcode.New("set_baud", errcode.EINVAL, fmt.Sprintf("unsupported baud %d", baud))
	}
}

// SetBaud implements spec.md §4.2's "Set baud": save, write BD, commit,
// reopen at the new speed, and re-run configInspect. It sends no reboot
// command. The device's
// own Bus handles the actual reopen-at-new-speed on its next write
// (serialport.Port.Reconfigure); invalidate, if non-nil, drops the stale
// connection-string cache entry.
func SetBaud(ctx context.Context, d *Device, newBaud int, invalidate func()) error {
	encoded, err := encodedBaud(newBaud)
	if err != nil {
		return err
	}

	if err := rollback(ctx, d); err != nil {
		return err
	}

	if _, _, err := d.bus.Communicate(ctx, d, fmt.Sprintf("BD=%d", encoded), transport.CommOptions{Tries: 1}); err != nil {
		return errcode.Wrap("set_baud", errcode.EIO, err)
	}
	if err := commit(ctx, d, false, nil); err != nil {
		return err
	}

	d.setSpeed(newBaud)
	if invalidate != nil {
		invalidate()
	}

	return configInspect(ctx, d, true)
}

// SetAddress implements spec.md §4.2's "Set address": DN=, PY=1 if needed,
// commit, invalidate cache.
func SetAddress(ctx context.Context, d *Device, newAddr byte, invalidate func()) error {
	if _, _, err := d.bus.Communicate(ctx, d, fmt.Sprintf(`DN="%c"`, newAddr), transport.CommOptions{Tries: 1}); err != nil {
		return errcode.Wrap("set_address", errcode.EIO, err)
	}
	if !d.party {
		if _, _, err := d.bus.Communicate(ctx, d, "PY=1", transport.CommOptions{Tries: 1}); err != nil {
			return errcode.Wrap("set_address", errcode.EIO, err)
		}
	}
	if err := commit(ctx, d, false, nil); err != nil {
		return err
	}
	d.setAddr(newAddr)
	if invalidate != nil {
		invalidate()
	}
	return nil
}

// preserveFlags opts a commit out of forcing checksum/echo to reset
// defaults (spec.md §4.2, "Rollback / Commit").
type preserveFlags struct {
	Checksum bool
	Echo     bool
}

// Reset implements the driver class contract's reset(self) as a settings
// rollback (spec.md §6).
func Reset(ctx context.Context, d *Device) error {
	return rollback(ctx, d)
}

// rollback issues IP, waits for the unit to settle, then re-inspects comm
// settings. It is purely a settings-revert of unsaved changes — per the
// Open Question decision recorded in DESIGN.md, it does not also clear the
// device address.
func rollback(ctx context.Context, d *Device) error {
	if _, _, err := d.bus.Communicate(ctx, d, "IP", transport.CommOptions{Tries: 1}); err != nil {
		return errcode.Wrap("rollback", errcode.EIO, err)
	}
	time.Sleep(750 * time.Millisecond)
	return configInspect(ctx, d, false)
}

// commit forces checksum OFF and echo ON (the unit's user-friendly reboot
// defaults) unless preserve says to keep the current modes, sends S, then
// re-inspects.
func commit(ctx context.Context, d *Device, _ bool, preserve *preserveFlags) error {
	if preserve == nil || !preserve.Checksum {
		if _, _, err := d.bus.Communicate(ctx, d, "CK=0", transport.CommOptions{Tries: 1}); err == nil {
			d.SetChecksum(transport.ChecksumOff)
		}
	}
	if preserve == nil || !preserve.Echo {
		if _, _, err := d.bus.Communicate(ctx, d, "EM=0", transport.CommOptions{Tries: 1}); err == nil {
			d.setEcho(transport.EchoFull)
		}
	}
	if _, _, err := d.bus.Communicate(ctx, d, "S", transport.CommOptions{Tries: 1}); err != nil {
		return errcode.Wrap("commit", errcode.EIO, err)
	}
	return configInspect(ctx, d, false)
}
