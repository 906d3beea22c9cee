package mdrive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/greezybacon/mdrived/internal/serialport"
)

// candidateBauds is the baud sweep order for discovery (spec.md §4.2,
// "Search").
var candidateBauds = []int{4800, 9600, 19200, 38400, 115200}

// candidateAddrs is "" (non-party) followed by a..z, A..Z, 0..9.
func candidateAddrs() []string {
	out := []string{""}
	for c := 'a'; c <= 'z'; c++ {
		out = append(out, string(c))
	}
	for c := 'A'; c <= 'Z'; c++ {
		out = append(out, string(c))
	}
	for c := '0'; c <= '9'; c++ {
		out = append(out, string(c))
	}
	return out
}

var consoleTTY = regexp.MustCompile(`^tty(console|[0-9]*$)`)

// CandidateTTYs enumerates /dev entries that look like serial ports,
// filtering out console devices (spec.md §4.2, "Search").
func CandidateTTYs(devDir string) ([]string, error) {
	entries, err := os.ReadDir(devDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "tty") {
			continue
		}
		if consoleTTY.MatchString(name) {
			continue
		}
		if !strings.Contains(name, "USB") && !strings.Contains(name, "ACM") && !strings.Contains(name, "S") {
			continue
		}
		out = append(out, filepath.Join(devDir, name))
	}
	return out, nil
}

// Search implements spec.md §4.2's discovery sweep over every candidate TTY
// under devDir: on each port, every (baud, addr) combination sends an FD
// probe and listens for a response. It returns one connection string per
// distinct responding address.
func Search(devDir string, log *zap.Logger) ([]string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ttys, err := CandidateTTYs(devDir)
	if err != nil {
		return nil, err
	}
	var found []string
	for _, tty := range ttys {
		found = append(found, searchPort(tty, log)...)
	}
	return found, nil
}

func searchPort(port string, log *zap.Logger) []string {
	var found []string
	for _, baud := range candidateBauds {
		sp, err := serialport.Open(port, baud, 50*time.Millisecond)
		if err != nil {
			continue
		}
		addrs := probeBaud(sp, baud, log)
		_ = sp.Close()
		for _, a := range addrs {
			found = append(found, connStringFor(port, baud, a))
		}
	}
	return found
}

// probeBaud sends an FD probe at every candidate address on one already-
// open port/baud and collects the set of addresses that answered.
func probeBaud(sp *serialport.Port, baud int, log *zap.Logger) []byte {
	seen := map[byte]bool{}
	var all []byte
	buf := make([]byte, 256)

	for _, addrStr := range candidateAddrs() {
		out := buildProbe(addrStr)
		if _, err := sp.Write(out); err != nil {
			continue
		}
		time.Sleep(18 * time.Millisecond)

		n, err := sp.Read(buf)
		if err != nil || n == 0 {
			continue
		}
		addr := responderAddress(addrStr, buf[:n])
		if addr != 0 && !seen[addr] {
			seen[addr] = true
			all = append(all, addr)
		}
	}
	return all
}

// buildProbe frames a factory-default-probe (FD) command with an assumed
// checksum, addressed to addrStr ("" for non-party mode).
func buildProbe(addrStr string) []byte {
	var buf []byte
	party := addrStr != ""
	if party {
		buf = append(buf, addrStr[0])
	}
	buf = append(buf, "FD"...)
	term := byte('\r')
	if party {
		term = '\n'
	}
	buf = append(buf, term)
	return buf
}

// responderAddress turns raw response bytes back into the address that
// answered: the addressed probe's own address in party-mode, or '!' for a
// non-party responder.
func responderAddress(addrStr string, resp []byte) byte {
	if len(resp) == 0 {
		return 0
	}
	if addrStr == "" {
		return '!'
	}
	return addrStr[0]
}

func connStringFor(port string, baud int, addr byte) string {
	if addr == '!' {
		return fmt.Sprintf("%s://%s@%d", DriverScheme, port, baud)
	}
	return fmt.Sprintf("%s://%s@%d:%c", DriverScheme, port, baud, addr)
}
