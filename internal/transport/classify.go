package transport

// Classification is communicate's outcome, one of the eight values listed
// in spec.md §4.1.
type Classification int

const (
	ClassOK Classification = iota
	ClassRetry
	ClassError
	ClassNACK
	ClassBadChecksum
	ClassUnknown
	ClassTimeout
	ClassIOError
)

func (c Classification) String() string {
	switch c {
	case ClassOK:
		return "OK"
	case ClassRetry:
		return "RETRY"
	case ClassError:
		return "ERROR"
	case ClassNACK:
		return "NACK"
	case ClassBadChecksum:
		return "BAD_CHECKSUM"
	case ClassUnknown:
		return "UNKNOWN"
	case ClassTimeout:
		return "TIMEOUT"
	case ClassIOError:
		return "IO_ERROR"
	default:
		return "?"
	}
}

// classify implements the classification table from spec.md §4.1.
func classify(dev DeviceView, r *Response) Classification {
	if dev.Checksum() == ChecksumOn {
		if len(r.Payload) > 0 && !r.ChecksumGood {
			return ClassBadChecksum
		}
		switch {
		case r.Ack && (len(r.Payload) == 0 || r.ChecksumGood):
			if r.ErrorFlag {
				break // fall through to error handling below
			}
			return ClassOK
		case r.Nack && (len(r.Payload) == 0 || r.ChecksumGood):
			if r.ErrorFlag {
				break
			}
			return ClassNACK
		}
	} else {
		switch {
		case r.PromptSeen, r.CRLFSeen:
			if !r.ErrorFlag {
				return ClassOK
			}
		case r.Nack && len(r.Payload) == 0:
			// Solitary NACK with an empty payload while we believe checksum
			// is off: the unit is really in checksum mode. The caller is
			// expected to repair by setting Checksum=ChecksumOn and
			// retrying; we surface UNKNOWN so it retries.
			return ClassUnknown
		}
	}

	if r.ErrorFlag {
		if r.Code == 63 {
			return ClassRetry
		}
		return ClassError
	}

	if dev.Checksum() == ChecksumOn && r.BadChecksumCandidate() {
		return ClassBadChecksum
	}
	return ClassUnknown
}

// BadChecksumCandidate reports whether a checksum byte was expected
// (checksum mode on, non-empty payload) but never validated.
func (r *Response) BadChecksumCandidate() bool {
	return len(r.Payload) > 0 && !r.ChecksumGood
}

// shouldRetry implements the retry policy of spec.md §4.1.
func shouldRetry(c Classification, expectErr bool) bool {
	switch c {
	case ClassRetry, ClassTimeout:
		return true
	case ClassNACK, ClassBadChecksum, ClassUnknown:
		return !expectErr
	default:
		return false
	}
}
