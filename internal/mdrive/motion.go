package mdrive

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/timer"
	"github.com/greezybacon/mdrived/internal/transport"
)

// MoveInstruction is the driver class contract's move(self, instr) input
// (spec.md §6, §3).
type MoveInstruction struct {
	Type         MotionType
	AmountUrevs  int64
	ProfileIndex int // packed into the R1 control word when microcode has a move label
	ResetPos     bool
	Profile      *Profile // non-nil: diff-and-write before sending the bare MA/MR/SL command
}

// trajectory is the pure-math result of projecting a move's velocity
// profile (spec.md §4.3, "Completion projection").
type trajectory struct {
	totalSeconds float64
	vmaxUs       int64
	decelUs      int64
}

// projectTrajectory implements both branches (trapezoidal, triangular) of
// spec.md §4.3's completion projection.
func projectTrajectory(accel, decel, vi, vmax int, distUrevs int64) (trajectory, error) {
	A, D, Vi, Vm := float64(accel), float64(decel), float64(vi), float64(vmax)
	d := math.Abs(float64(distUrevs))

	ramp := Vm - Vi
	t1 := ramp / A
	distAccel := (ramp/2 + Vi) * t1
	t3 := Vm / D
	distDecel := (Vm / 2) * t3

	remaining := d - distAccel - distDecel
	if remaining >= 0 {
		t2 := remaining / Vm
		total := t1 + t2 + t3
		return trajectory{
			totalSeconds: total,
			vmaxUs:       int64(t1 * 1_000_000),
			decelUs:      int64((t1 + t2) * 1_000_000),
		}, nil
	}

	num := d*2*A*D - D*Vi*Vi
	vmPrime := math.Sqrt(num / (A + D))
	if vmPrime > Vm {
		return trajectory{}, errcode.New("project_trajectory", errcode.EINVAL, "triangular profile exceeds Vmax")
	}
	tAccel := (vmPrime - Vi) / A
	tDecel := vmPrime / D
	total := tAccel + tDecel
	return trajectory{
		totalSeconds: total,
		vmaxUs:       int64(tAccel * 1_000_000),
		decelUs:      int64(tAccel * 1_000_000),
	}, nil
}

// Mover bundles the dependencies Move needs beyond the Device itself: the
// completion-timer service and the check-back scheduling hooks.
type Mover struct {
	Timer *timer.Service
}

// Move implements the driver class contract's move(self, instr) (spec.md
// §4.3). For ABSOLUTE/RELATIVE/SLEW it converts urevs to steps, packs a
// control word into R1/R2 and EXecutes the move label when microcode
// exposes one, otherwise diffs-and-writes the profile and sends the bare
// MA/MR/SL command.
func (mv *Mover) Move(ctx context.Context, d *Device, instr MoveInstruction) error {
	d.mu.Lock()
	label := d.features.MoveLabel
	state := d.state
	lastType := d.motion.Type
	lastUrevs := d.motion.RequestedUrevs
	d.mu.Unlock()

	if instr.Type == MoveSlew && state == StateMoving && lastType == MoveSlew && lastUrevs == instr.AmountUrevs {
		return nil // redundant identical slew request is a no-op
	}

	steps := d.urevsToSteps(instr.AmountUrevs)

	if label != "" {
		ctrl := packControlWord(instr)
		if _, _, err := d.bus.Communicate(ctx, d, fmt.Sprintf("R1=%d", ctrl), transport.CommOptions{Tries: 1}); err != nil {
			return errcode.Wrap("move", errcode.EIO, err)
		}
		if _, _, err := d.bus.Communicate(ctx, d, fmt.Sprintf("R2=%d", steps), transport.CommOptions{Tries: 1}); err != nil {
			return errcode.Wrap("move", errcode.EIO, err)
		}
		if _, _, err := d.bus.Communicate(ctx, d, "EX "+label, transport.CommOptions{Tries: 1}); err != nil {
			return errcode.Wrap("move", errcode.EIO, err)
		}
	} else {
		if instr.Profile != nil {
			if err := diffAndWriteProfile(ctx, d, instr.Profile); err != nil {
				return err
			}
		}
		cmd, err := moveCommand(instr.Type, steps)
		if err != nil {
			return err
		}
		if _, _, err := d.bus.Communicate(ctx, d, cmd, transport.CommOptions{Tries: 2}); err != nil {
			return errcode.Wrap("move", errcode.EIO, err)
		}
	}

	return mv.startMotionRecord(ctx, d, instr)
}

// packControlWord builds the 7-bit control word (mode, profile number,
// reset-position flag) packed into R1 (spec.md §4.3).
func packControlWord(instr MoveInstruction) int {
	mode := int(instr.Type) & 0x3
	profile := (instr.ProfileIndex & 0xF) << 2
	reset := 0
	if instr.ResetPos {
		reset = 1 << 6
	}
	return mode | profile | reset
}

func moveCommand(t MotionType, steps int64) (string, error) {
	switch t {
	case MoveAbsolute:
		return fmt.Sprintf("MA %d", steps), nil
	case MoveRelative:
		return fmt.Sprintf("MR %d", steps), nil
	case MoveSlew, MoveJitter:
		return fmt.Sprintf("SL %d", steps), nil
	default:
		return "", errcode.New("move", errcode.EINVAL, "unknown motion type")
	}
}

// startMotionRecord records the motion start and schedules the first
// completion check-back (spec.md §3, §4.3). SLEW moves have no projected
// completion and are left in StateMoving indefinitely.
func (mv *Mover) startMotionRecord(ctx context.Context, d *Device, instr MoveInstruction) error {
	d.mu.Lock()
	if d.motion.CallbackID != 0 && mv.Timer != nil {
		mv.Timer.Cancel(d.motion.CallbackID)
	}
	d.motion.gen++
	gen := d.motion.gen
	startPos := int64(d.profile.Position)
	d.motion.Type = instr.Type
	d.motion.RequestedUrevs = instr.AmountUrevs
	d.motion.StartPosition = startPos
	d.motion.StartTime = time.Now()
	d.state = StateMoving
	profile := d.profile
	d.mu.Unlock()

	if instr.Type == MoveSlew || instr.Type == MoveJitter {
		return nil
	}

	traj, err := projectTrajectory(profile.Accel, profile.Decel, profile.Vinitial, profile.Vmax, instr.AmountUrevs)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.motion.VmaxUs = traj.vmaxUs
	d.motion.DecelUs = traj.decelUs
	d.motion.ProjectedEnd = d.motion.StartTime.Add(time.Duration(traj.totalSeconds * float64(time.Second)))
	projected := d.motion.ProjectedEnd
	latency := d.latency
	d.mu.Unlock()

	mv.scheduleCheckBack(ctx, d, gen, projected, latency)
	return nil
}

// scheduleCheckBack arms the completion-timer callback at projected -
// latency/2 - xmit_time(15 chars) + 1ms (spec.md §4.3).
func (mv *Mover) scheduleCheckBack(ctx context.Context, d *Device, gen uint64, at time.Time, latency time.Duration) {
	if mv.Timer == nil {
		return
	}
	xmit15 := oneCharTimeFor(d.Speed()) * 15
	fireAt := at.Add(-latency/2 - xmit15 + time.Millisecond)

	var id timer.ID
	id = mv.Timer.At(fireAt, func() {
		mv.checkBack(ctx, d, gen, id)
	})

	d.mu.Lock()
	d.motion.CallbackID = id
	d.state = StateChecking
	d.mu.Unlock()
}

func oneCharTimeFor(baud int) time.Duration {
	if baud <= 0 {
		baud = 9600
	}
	return time.Duration(float64(time.Second) * 10 / float64(baud))
}

// checkBack implements spec.md §4.3's "Completion check-back": sample ST,
// P, V (and the following-error variable if microcode exposes one) in one
// multi-variable request, decide whether the move is done, resting, or
// needs another check.
func (mv *Mover) checkBack(ctx context.Context, d *Device, gen uint64, wantID timer.ID) {
	d.mu.Lock()
	stale := d.motion.gen != gen || d.motion.CallbackID != wantID
	decel := d.profile.Decel
	latency := d.latency
	d.mu.Unlock()
	if stale {
		return // superseded by a later move; discard per spec.md §5
	}

	vars := []string{"ST", "P", "V"}
	d.mu.Lock()
	followingErrVar := d.features.FollowingErrVar
	d.mu.Unlock()
	if followingErrVar != "" {
		vars = append(vars, followingErrVar)
	}

	vals, err := multiVarRead(ctx, d, vars...)
	if err != nil {
		// transport hiccup: reschedule a short retry rather than losing the move
		mv.rescheduleCheckBack(ctx, d, gen, time.Now().Add(50*time.Millisecond))
		return
	}

	pos := vals[1]
	vel := vals[2]
	var followingErr int64
	if len(vals) > 3 {
		followingErr = vals[3]
	}

	if vel == 0 {
		d.mu.Lock()
		d.profile.Position = int(pos)
		d.state = StateIdle
		d.motion.CallbackID = 0
		d.motion.FollowingError = int(followingErr)
		d.mu.Unlock()
		d.emit(EventMotion, &MotionPayload{Completed: true, Stalled: false, PosKnown: true, PositionUrevs: d.stepsToUrevs(pos), Error: 0})
		return
	}

	dt := time.Duration(math.Abs(float64(vel))/float64(decel)*1_000_000) * time.Microsecond
	if dt < latency {
		restPos := pos + int64(float64(vel)/2*dt.Seconds())
		d.mu.Lock()
		d.profile.Position = int(restPos)
		d.state = StateResting
		d.motion.CallbackID = 0
		d.mu.Unlock()
		d.emit(EventMotion, &MotionPayload{Completed: true, Stalled: false, PosKnown: true, PositionUrevs: d.stepsToUrevs(restPos), Error: 0})
		return
	}

	mv.rescheduleCheckBack(ctx, d, gen, time.Now().Add(dt-latency/2-time.Millisecond))
}

func (mv *Mover) rescheduleCheckBack(ctx context.Context, d *Device, gen uint64, at time.Time) {
	if mv.Timer == nil {
		return
	}
	var id timer.ID
	id = mv.Timer.At(at, func() {
		mv.checkBack(ctx, d, gen, id)
	})
	d.mu.Lock()
	d.motion.CallbackID = id
	d.mu.Unlock()
}

// Stop-kind constants for the driver class contract's stop(self, kind).
type StopKind int

const (
	MCStop StopKind = iota
	MCHalt
	MCEStop
)

// Stop implements spec.md §4.3's "Stop": MCSTOP sends SL 0, MCHALT sends
// ESC, MCESTOP broadcasts ESC and DE=0 on the bus's global pseudo-device
// regardless of the originating Device's party-mode setting.
func Stop(ctx context.Context, d *Device, kind StopKind) error {
	switch kind {
	case MCStop:
		_, _, err := d.bus.Communicate(ctx, d, "SL 0", transport.CommOptions{Tries: 1})
		return err
	case MCHalt:
		_, _, err := d.bus.Communicate(ctx, d, "\x1b", transport.CommOptions{Raw: true, Tries: 1})
		return err
	case MCEStop:
		return broadcastEStop(ctx, d)
	default:
		return errcode.New("stop", errcode.EINVAL, "unknown stop kind")
	}
}

// broadcastDevice is a minimal DeviceView standing in for the bus's '*'
// pseudo-device, used only to frame a party-mode broadcast.
type broadcastDevice struct {
	*Device
}

func (b broadcastDevice) Address() byte   { return '*' }
func (b broadcastDevice) PartyMode() bool { return true }

func broadcastEStop(ctx context.Context, d *Device) error {
	bd := broadcastDevice{d}
	if _, _, err := d.bus.Communicate(ctx, bd, "\x1b", transport.CommOptions{Raw: true, Tries: 1}); err != nil {
		return err
	}
	_, _, err := d.bus.Communicate(ctx, bd, "DE=0", transport.CommOptions{Tries: 1})
	return err
}

// HomeKind enumerates the driver class contract's home(self, kind, dir).
type HomeKind int

const (
	MCHomeDefault HomeKind = iota
)

// Home implements spec.md §4.3's "Home": MCHOMEDEF executes
// Features.HomeLabel, falling back to M1 when it is empty; anything else is
// not supported. InspectFeatures does not fill HomeLabel, so the label run
// is M1.
func Home(ctx context.Context, d *Device, kind HomeKind, _ int) error {
	if kind != MCHomeDefault {
		return errcode.New("home", errcode.ENOTSUP, "unsupported home kind")
	}
	d.mu.Lock()
	label := d.features.HomeLabel
	d.mu.Unlock()
	if label == "" {
		label = "M1"
	}
	_, _, err := d.bus.Communicate(ctx, d, "EX "+label, transport.CommOptions{Tries: 1})
	return err
}
