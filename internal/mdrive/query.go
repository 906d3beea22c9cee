package mdrive

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/transport"
)

// QueryID enumerates the logical query identifiers the driver class
// contract's read/write operations accept (spec.md §4.4).
type QueryID int

const (
	MCPosition QueryID = iota
	MCVelocity
	MCAccel
	MCDecel
	MCVinitial
	MCVmax
	MCCurrentRun
	MCCurrentHold
	MCSlipMax
	MCIO
	MCDriveSerial
	MCSetBaud
	MCSetAddress
	MCRenameBySerial
	MCFactoryDefaults
	MCExecuteLabel
	MCProfilePeek
)

// queryTag classifies how a QueryID's value is shaped on the wire.
type queryTag int

const (
	tagInt queryTag = iota
	tagString
	tagIntItem // I%d / O%d
	tagProfilePeek
	tagCustomRead
	tagCustomWrite
)

// queryDef is one row of the static dispatch table (spec.md §4.4).
type queryDef struct {
	tag     queryTag
	varName string
}

var queryTable = map[QueryID]queryDef{
	MCPosition:        {tag: tagProfilePeek, varName: "P"},
	MCVelocity:        {tag: tagInt, varName: "V"},
	MCAccel:           {tag: tagProfilePeek, varName: "A"},
	MCDecel:           {tag: tagProfilePeek, varName: "D"},
	MCVinitial:        {tag: tagProfilePeek, varName: "VI"},
	MCVmax:            {tag: tagProfilePeek, varName: "VM"},
	MCCurrentRun:      {tag: tagProfilePeek, varName: "RC"},
	MCCurrentHold:     {tag: tagProfilePeek, varName: "HC"},
	MCSlipMax:         {tag: tagProfilePeek, varName: "SF"},
	MCIO:              {tag: tagIntItem},
	MCDriveSerial:     {tag: tagString, varName: "SN"},
	MCSetBaud:         {tag: tagCustomWrite},
	MCSetAddress:      {tag: tagCustomWrite},
	MCRenameBySerial:  {tag: tagCustomWrite},
	MCFactoryDefaults: {tag: tagCustomWrite},
	MCExecuteLabel:    {tag: tagCustomWrite},
	MCProfilePeek:     {tag: tagCustomRead},
}

// Query carries one read or write request/result through the dispatch
// table (spec.md §6, "read(self, query) / write(self, query)").
type Query struct {
	ID   QueryID
	Item int    // for I%d/O%d
	Int  int64  // in (write) / out (read)
	Str  string // in (write) / out (read)
}

// Read implements the driver class contract's read(self, query).
func Read(ctx context.Context, d *Device, q *Query) error {
	def, ok := queryTable[q.ID]
	if !ok {
		return errcode.New("read", errcode.EINVAL, "unknown query id")
	}
	switch def.tag {
	case tagInt:
		v, err := readVar(ctx, d, def.varName)
		if err != nil {
			return err
		}
		q.Int = v
		return nil
	case tagString:
		s, err := readStringVar(ctx, d, def.varName)
		if err != nil {
			return err
		}
		q.Str = s
		return nil
	case tagIntItem:
		v, err := readVar(ctx, d, fmt.Sprintf("I%d", q.Item))
		if err != nil {
			return err
		}
		q.Int = v
		return nil
	case tagProfilePeek:
		if err := ensureProfileLoaded(ctx, d); err != nil {
			return err
		}
		q.Int = int64(profileField(d, def.varName))
		return nil
	case tagCustomRead:
		return customRead(ctx, d, q)
	default:
		return errcode.New("read", errcode.ENOTSUP, "query id is write-only")
	}
}

// Write implements the driver class contract's write(self, query).
func Write(ctx context.Context, d *Device, q *Query) error {
	def, ok := queryTable[q.ID]
	if !ok {
		return errcode.New("write", errcode.EINVAL, "unknown query id")
	}
	switch def.tag {
	case tagIntItem:
		_, _, err := d.bus.Communicate(ctx, d, fmt.Sprintf("O%d=%d", q.Item, q.Int), transport.CommOptions{Tries: 1})
		return err
	case tagCustomWrite:
		return customWrite(ctx, d, q)
	default:
		return errcode.New("write", errcode.ENOTSUP, "query id is read-only")
	}
}

func readVar(ctx context.Context, d *Device, varName string) (int64, error) {
	_, resp, err := d.bus.Communicate(ctx, d, "PR "+varName, transport.CommOptions{ExpectData: true, Tries: 2})
	if err != nil {
		return 0, errcode.Wrap("read_var", errcode.EIO, err)
	}
	v, perr := strconv.ParseInt(strings.TrimSpace(string(resp.Payload)), 10, 64)
	if perr != nil {
		return 0, errcode.New("read_var", errcode.EIO, "unparseable reply to PR "+varName)
	}
	return v, nil
}

func readStringVar(ctx context.Context, d *Device, varName string) (string, error) {
	_, resp, err := d.bus.Communicate(ctx, d, "PR "+varName, transport.CommOptions{ExpectData: true, Tries: 2})
	if err != nil {
		return "", errcode.Wrap("read_var", errcode.EIO, err)
	}
	return strings.TrimSpace(string(resp.Payload)), nil
}

// multiVarRead composes PR V1," ",V2," ",V3 ... and parses the
// space-separated decimal integers back, used to sample several registers
// in one atomic transaction (spec.md §4.4).
func multiVarRead(ctx context.Context, d *Device, vars ...string) ([]int64, error) {
	var parts []string
	for _, v := range vars {
		parts = append(parts, v)
	}
	cmd := "PR " + strings.Join(parts, `," ",`)
	_, resp, err := d.bus.Communicate(ctx, d, cmd, transport.CommOptions{ExpectData: true, Tries: 2})
	if err != nil {
		return nil, errcode.Wrap("multi_var_read", errcode.EIO, err)
	}
	fields := strings.Fields(string(resp.Payload))
	if len(fields) < len(vars) {
		return nil, errcode.New("multi_var_read", errcode.EIO, "short multi-variable reply")
	}
	out := make([]int64, len(vars))
	for i := range vars {
		v, perr := strconv.ParseInt(fields[i], 10, 64)
		if perr != nil {
			return nil, errcode.New("multi_var_read", errcode.EIO, "unparseable field "+fields[i])
		}
		out[i] = v
	}
	return out, nil
}

func profileField(d *Device, varName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch varName {
	case "A":
		return d.profile.Accel
	case "D":
		return d.profile.Decel
	case "VM":
		return d.profile.Vmax
	case "VI":
		return d.profile.Vinitial
	case "SF":
		return d.profile.SlipMax
	case "RC":
		return d.profile.CurrentRun
	case "HC":
		return d.profile.CurrentHold
	case "P":
		return d.profile.Position
	default:
		return 0
	}
}

// customRead handles the enumerated custom-read cases: presently the
// profile peek, which just returns the lazily-loaded cache (spec.md §4.4).
func customRead(ctx context.Context, d *Device, q *Query) error {
	if err := ensureProfileLoaded(ctx, d); err != nil {
		return err
	}
	d.mu.Lock()
	p := d.profile
	d.mu.Unlock()
	q.Int = int64(p.Accel)
	q.Str = fmt.Sprintf("A=%d D=%d VM=%d VI=%d SF=%d RC=%d HC=%d", p.Accel, p.Decel, p.Vmax, p.Vinitial, p.SlipMax, p.CurrentRun, p.CurrentHold)
	return nil
}

// customWrite dispatches device-specific write operations: set baud, set
// address, rename-by-serial, factory defaults, execute label (spec.md §4.4).
// MCFactoryDefaults runs rollback (IP), which reloads the unit's saved
// settings; it does not restore factory defaults.
func customWrite(ctx context.Context, d *Device, q *Query) error {
	switch q.ID {
	case MCSetBaud:
		return SetBaud(ctx, d, int(q.Int), nil)
	case MCSetAddress:
		return SetAddress(ctx, d, byte(q.Int), nil)
	case MCRenameBySerial:
		return renameBySerial(ctx, d, q.Str)
	case MCFactoryDefaults:
		return rollback(ctx, d)
	case MCExecuteLabel:
		_, _, err := d.bus.Communicate(ctx, d, "EX "+q.Str, transport.CommOptions{Tries: 1})
		return err
	default:
		return errcode.New("custom_write", errcode.ENOTSUP, "unhandled custom write")
	}
}

// renameBySerial sends DN=SN to set the unit's name from its own serial
// number, then, if label is non-empty, executes that label. It uploads no
// program and does not read anything back to verify the new address.
func renameBySerial(ctx context.Context, d *Device, label string) error {
	if _, _, err := d.bus.Communicate(ctx, d, "DN=SN", transport.CommOptions{Tries: 1}); err != nil {
		return errcode.Wrap("rename_by_serial", errcode.EIO, err)
	}
	if label != "" {
		if _, _, err := d.bus.Communicate(ctx, d, "EX "+label, transport.CommOptions{Tries: 1}); err != nil {
			return errcode.Wrap("rename_by_serial", errcode.EIO, err)
		}
	}
	return nil
}
