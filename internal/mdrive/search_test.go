package mdrive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1 from spec.md §8: bus/address/baud discovery.

func TestCandidateTTYs_FiltersConsoleAndNonSerial(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ttyUSB0", "ttyACM1", "ttyS0", "ttyconsole", "tty0", "random", "ttyprintk"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	got, err := CandidateTTYs(dir)
	require.NoError(t, err)

	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	assert.Contains(t, names, "ttyUSB0")
	assert.Contains(t, names, "ttyACM1")
	assert.Contains(t, names, "ttyS0")
	assert.NotContains(t, names, "ttyconsole")
	assert.NotContains(t, names, "tty0")
	assert.NotContains(t, names, "random")
}

func TestCandidateAddrs_NonPartyFirstThenAlphanumeric(t *testing.T) {
	addrs := candidateAddrs()
	require.NotEmpty(t, addrs)
	assert.Equal(t, "", addrs[0], "non-party probe must be tried before any address")
	assert.Contains(t, addrs, "a")
	assert.Contains(t, addrs, "Z")
	assert.Contains(t, addrs, "9")
	assert.Len(t, addrs, 1+26+26+10)
}

func TestBuildProbe_PartyVsNonParty(t *testing.T) {
	nonParty := buildProbe("")
	assert.Equal(t, []byte("FD\r"), nonParty)

	party := buildProbe("1")
	assert.Equal(t, []byte("1FD\n"), party)
}

func TestResponderAddress(t *testing.T) {
	assert.Equal(t, byte('!'), responderAddress("", []byte{0x06}))
	assert.Equal(t, byte('1'), responderAddress("1", []byte{0x06}))
	assert.Equal(t, byte(0), responderAddress("1", nil))
}

func TestConnStringFor_NonPartyOmitsAddress(t *testing.T) {
	assert.Equal(t, "mdrive:///dev/ttyUSB0@9600", connStringFor("/dev/ttyUSB0", 9600, '!'))
	assert.Equal(t, "mdrive:///dev/ttyUSB0@9600:1", connStringFor("/dev/ttyUSB0", 9600, '1'))
}
