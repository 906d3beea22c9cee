package mdrive

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/greezybacon/mdrived/internal/errcode"
	"github.com/greezybacon/mdrived/internal/transport"
)

// LoadMicrocode implements spec.md §4.6's "Microcode": rollback, clear the
// program, stream the file line-by-line with ECLOBBER recovery and
// preserve-flag tracking, and commit at the end.
func LoadMicrocode(ctx context.Context, d *Device, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errcode.Wrap("load_microcode", errcode.ERBadFile, err)
	}
	defer f.Close()

	if err := rollback(ctx, d); err != nil {
		return err
	}
	if _, _, err := d.bus.Communicate(ctx, d, "CP", transport.CommOptions{Tries: 1}); err != nil {
		return errcode.Wrap("load_microcode", errcode.EIO, err)
	}

	preserve := preserveFlags{}
	inProgramMode := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := stripMicrocodeComment(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(line), "S") && isBareSInstruction(line) {
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EM"):
			preserve.Echo = true
		case strings.HasPrefix(upper, "CK"):
			preserve.Checksum = true
		case upper == "PG":
			inProgramMode = !inProgramMode
		case strings.HasPrefix(upper, "PG "):
			inProgramMode = true
		}

		if err := sendMicrocodeLine(ctx, d, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errcode.Wrap("load_microcode", errcode.ERBadFile, err)
	}

	if inProgramMode {
		if _, _, err := d.bus.Communicate(ctx, d, "PG", transport.CommOptions{Tries: 1}); err != nil {
			return errcode.Wrap("load_microcode", errcode.EIO, err)
		}
	}

	return commit(ctx, d, false, &preserve)
}

func stripMicrocodeComment(line string) string {
	if i := strings.IndexByte(line, '\''); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func isBareSInstruction(line string) bool {
	line = strings.TrimSpace(line)
	return line == "S" || strings.HasPrefix(line, "S ")
}

// sendMicrocodeLine writes one microcode line, recovering from ECLOBBER
// (device error 28) on a "VA name = default" declaration by retrying
// without the "VA " prefix — the variable already exists, so just set its
// value (scenario 6 of spec.md §8).
func sendMicrocodeLine(ctx context.Context, d *Device, line string) error {
	class, resp, err := d.bus.Communicate(ctx, d, line, transport.CommOptions{Tries: 1, ExpectErr: true})
	if err != nil {
		return errcode.Wrap("load_microcode", errcode.EIO, err)
	}
	if class != transport.ClassError || resp == nil || resp.Code != errcode.DevErrClobber {
		return nil
	}

	retry, ok := stripVADeclaration(line)
	if !ok {
		return errcode.New("load_microcode", errcode.ERClobber, "ECLOBBER on non-recoverable line: "+line)
	}
	class2, _, err2 := d.bus.Communicate(ctx, d, retry, transport.CommOptions{Tries: 1, ExpectErr: true})
	if err2 != nil || class2 == transport.ClassError {
		return errcode.New("load_microcode", errcode.ERClobber, "ECLOBBER recovery failed on: "+line)
	}
	return nil
}

// stripVADeclaration turns "VA name = default" into "name = default",
// reporting false if line isn't a VA declaration.
func stripVADeclaration(line string) (string, bool) {
	upper := strings.ToUpper(line)
	if !strings.HasPrefix(upper, "VA ") {
		return "", false
	}
	return strings.TrimSpace(line[3:]), true
}

// InspectFeatures runs EX CF and parses "<version> <move_label>
// <following_error_var>" into the Device's cached Features (spec.md §4.6).
func InspectFeatures(ctx context.Context, d *Device) (Features, error) {
	_, resp, err := d.bus.Communicate(ctx, d, "EX CF", transport.CommOptions{ExpectData: true, Tries: 2})
	if err != nil {
		return Features{}, errcode.Wrap("inspect_features", errcode.EIO, err)
	}
	fields := strings.Fields(string(resp.Payload))
	var f Features
	if len(fields) > 0 {
		f.Version = fields[0]
	}
	if len(fields) > 1 {
		f.MoveLabel = fields[1]
	}
	if len(fields) > 2 {
		f.FollowingErrVar = fields[2]
	}
	d.mu.Lock()
	d.features = f
	d.mu.Unlock()
	return f, nil
}

// ListMicrocodeLabels reads back every program label currently loaded on
// the unit, via the "LS" label-listing command, one label per line
// (supplemented from the C implementation's program-table dump, dropped
// from the distilled feature set but useful for operator tooling).
func ListMicrocodeLabels(ctx context.Context, d *Device) ([]string, error) {
	_, resp, err := d.bus.Communicate(ctx, d, "LS", transport.CommOptions{ExpectData: true, Tries: 2})
	if err != nil {
		return nil, errcode.Wrap("list_microcode_labels", errcode.EIO, err)
	}
	var labels []string
	for _, tok := range strings.Fields(string(resp.Payload)) {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, err := strconv.Atoi(tok); err == nil {
			continue // line-number tokens interleaved with label names
		}
		labels = append(labels, tok)
	}
	return labels, nil
}
