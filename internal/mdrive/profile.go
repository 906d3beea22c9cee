package mdrive

import (
	"context"
	"fmt"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/transport"
)

// ensureProfileLoaded lazy-loads the profile cache on first access via one
// multi-variable PR A,D,VM,VI,SF,RC,HC,P (spec.md §4.5).
func ensureProfileLoaded(ctx context.Context, d *Device) error {
	if d.isLoaded(LoadedProfile) {
		return nil
	}
	vals, err := multiVarRead(ctx, d, "A", "D", "VM", "VI", "SF", "RC", "HC", "P")
	if err != nil {
		return errcode.Wrap("profile_load", errcode.EIO, err)
	}
	d.mu.Lock()
	d.profile = Profile{
		Accel:       int(vals[0]),
		Decel:       int(vals[1]),
		Vmax:        int(vals[2]),
		Vinitial:    int(vals[3]),
		SlipMax:     int(vals[4]),
		CurrentRun:  int(vals[5]),
		CurrentHold: int(vals[6]),
		Position:    int(vals[7]),
	}
	d.mu.Unlock()
	d.markLoaded(LoadedProfile)
	return nil
}

// GetProfile returns the device's current cached profile, lazy-loading it
// first if necessary. Per the Open Question decision in spec.md §9, this
// always replies with the cached profile rather than silently doing
// nothing.
func GetProfile(ctx context.Context, d *Device) (Profile, error) {
	if err := ensureProfileLoaded(ctx, d); err != nil {
		return Profile{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile, nil
}

// profileField_ describes one profile field that is written only if it
// differs from the cached value (spec.md §4.5, "Each profile setter
// compares... writes only if different").
type profileField_ struct {
	varName  string
	value    int
	get      func(p Profile) int
	set      func(p *Profile, v int)
	min, max int // max==0 means "no upper bound"
}

var profileSetters = map[string]profileField_{
	"accel":        {varName: "A", get: func(p Profile) int { return p.Accel }, set: func(p *Profile, v int) { p.Accel = v }, min: 1},
	"decel":        {varName: "D", get: func(p Profile) int { return p.Decel }, set: func(p *Profile, v int) { p.Decel = v }, min: 1},
	"vmax":         {varName: "VM", get: func(p Profile) int { return p.Vmax }, set: func(p *Profile, v int) { p.Vmax = v }, min: 1},
	"vinitial":     {varName: "VI", get: func(p Profile) int { return p.Vinitial }, set: func(p *Profile, v int) { p.Vinitial = v }, min: 1},
	"current_run":  {varName: "RC", get: func(p Profile) int { return p.CurrentRun }, set: func(p *Profile, v int) { p.CurrentRun = v }, min: 10, max: 100},
	"current_hold": {varName: "HC", get: func(p Profile) int { return p.CurrentHold }, set: func(p *Profile, v int) { p.CurrentHold = v }, min: 10, max: 100},
}

// SetProfileField validates and, if changed, writes one named profile
// field (spec.md §4.5). "slip_max" has a bespoke rule: it is only honored
// when the encoder is enabled.
func SetProfileField(ctx context.Context, d *Device, name string, value int) error {
	if name == "slip_max" {
		return setSlipMax(ctx, d, value)
	}

	def, ok := profileSetters[name]
	if !ok {
		return errcode.New("set_profile_field", errcode.EINVAL, "unknown profile field "+name)
	}
	if value < def.min || (def.max != 0 && value > def.max) {
		return errcode.New("set_profile_field", errcode.EINVAL, fmt.Sprintf("%s out of range: %d", name, value))
	}
	if err := ensureProfileLoaded(ctx, d); err != nil {
		return err
	}

	d.mu.Lock()
	cur := def.get(d.profile)
	d.mu.Unlock()
	if cur == value {
		return nil // spec.md §8: setting a profile value to its current cached value issues no device write
	}

	if _, _, err := d.bus.Communicate(ctx, d, fmt.Sprintf("%s=%d", def.varName, value), transport.CommOptions{Tries: 2}); err != nil {
		return errcode.Wrap("set_profile_field", errcode.EIO, err)
	}

	d.mu.Lock()
	def.set(&d.profile, value)
	d.mu.Unlock()
	return nil
}

// diffAndWriteProfile applies every non-zero field of p, one setter call
// per field, each independently diffed against the cache (spec.md §4.3,
// "it diffs and writes the profile").
func diffAndWriteProfile(ctx context.Context, d *Device, p *Profile) error {
	fields := []struct {
		name  string
		value int
	}{
		{"accel", p.Accel},
		{"decel", p.Decel},
		{"vmax", p.Vmax},
		{"vinitial", p.Vinitial},
		{"current_run", p.CurrentRun},
		{"current_hold", p.CurrentHold},
		{"slip_max", p.SlipMax},
	}
	for _, f := range fields {
		if f.value == 0 {
			continue
		}
		if err := SetProfileField(ctx, d, f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}

func setSlipMax(ctx context.Context, d *Device, value int) error {
	d.mu.Lock()
	encoderOn := d.encoderOn
	d.mu.Unlock()
	if !encoderOn {
		return errcode.New("set_profile_field", errcode.ENOTSUP, "slip_max requires an encoder")
	}
	if err := ensureProfileLoaded(ctx, d); err != nil {
		return err
	}
	d.mu.Lock()
	cur := d.profile.SlipMax
	d.mu.Unlock()
	if cur == value {
		return nil
	}
	if _, _, err := d.bus.Communicate(ctx, d, fmt.Sprintf("SF=%d", value), transport.CommOptions{Tries: 2}); err != nil {
		return errcode.Wrap("set_profile_field", errcode.EIO, err)
	}
	d.mu.Lock()
	d.profile.SlipMax = value
	d.mu.Unlock()
	return nil
}
