package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(p *Parser, bs []byte) {
	for _, b := range bs {
		p.Feed(b)
	}
}

// Scenario 2 from spec.md §8: checksum round-trip.
func TestParser_ChecksumRoundTrip(t *testing.T) {
	payload := []byte(" 3.013")
	cs := checksumByte(payload)

	frame := append([]byte{byteACK}, payload...)
	frame = append(frame, cs, byteCR, byteLF)

	p := NewParser()
	feedAll(p, frame)

	r := p.Current()
	require.True(t, r.Processed)
	assert.True(t, r.Ack)
	assert.True(t, r.ChecksumGood)
	assert.Equal(t, payload, r.Payload)
	assert.True(t, r.CRLFSeen)
}

func TestParser_BadChecksumDetected(t *testing.T) {
	payload := []byte(" 3.013")
	badCS := checksumByte(payload) ^ 0x01

	frame := append([]byte{byteACK}, payload...)
	frame = append(frame, badCS, byteCR, byteLF)

	p := NewParser()
	feedAll(p, frame)

	r := p.Current()
	require.True(t, r.Processed)
	assert.False(t, r.ChecksumGood)
	// the bad "checksum" byte fell through to payload since it didn't validate
	assert.Contains(t, string(r.Payload), string(payload))
}

// Scenario 5: stall event frame mid-move.
func TestParser_EventFrame(t *testing.T) {
	frame := []byte{byteEvent, '"', 'b', '"', byteQuery, '8', '6', byteACK}

	p := NewParser()
	var processed bool
	for _, b := range frame {
		if p.Feed(b) {
			processed = true
		}
	}
	require.True(t, processed)
	r := p.Current()
	assert.True(t, r.Event)
	assert.Equal(t, byte('b'), r.Address)
	assert.Equal(t, 86, r.Code)
}

// Boundary: payload of exactly cap-1 bytes is accepted.
func TestParser_OverflowBoundary(t *testing.T) {
	p := NewParser()
	for i := 0; i < ResponseCap-1; i++ {
		processed := p.Feed('x')
		if i < ResponseCap-2 {
			require.False(t, processed, "should not be processed before filling capacity")
		} else {
			require.True(t, processed, "should close on reaching cap-1 bytes")
		}
	}
	assert.Len(t, p.Current().Payload, ResponseCap-1)
}

// Boundary: a lone '$' closes the frame immediately (upgrade-mode sentinel).
func TestParser_DollarSentinel(t *testing.T) {
	p := NewParser()
	processed := p.Feed('$')
	require.True(t, processed)
	assert.Equal(t, []byte("$"), p.Current().Payload)
}

func TestChecksumByte_KnownVector(t *testing.T) {
	// Checksum is (~sum7 + 1) | 0x80 over the window: the 7-bit sum of
	// "PR VR" is 0x6A, its two's complement is 0x16, with bit 7 set 0x96.
	window := []byte("PR VR")
	cs := checksumByte(window)
	assert.Equal(t, byte(0x96), cs)
	assert.True(t, cs&0x80 != 0, "checksum byte must have high bit set")
	assert.True(t, validateChecksum(window, cs))
	assert.False(t, validateChecksum(window, cs^0x01))
}
