package transport

// ResponseCap bounds a Response payload, matching the "payload bytes (≤ 64)"
// field in spec.md §3; capacity - 1 is the largest payload the parser will
// accept before treating the frame as an overflow.
const ResponseCap = 64

// Response is one parsed framing unit from a Bus: either a command response
// correlated to a Transaction, or an asynchronous event frame.
type Response struct {
	Payload []byte // accumulated payload bytes, len < ResponseCap
	NRecv   int    // total raw bytes consumed building this frame

	Address byte // parsed address, for event frames
	AckPos  int  // byte offset of the ACK/NACK within the raw frame
	Code    int  // decoded error or event code

	Ack          bool
	Nack         bool
	CRLFSeen     bool
	PromptSeen   bool
	ChecksumGood bool
	Event        bool
	ErrorFlag    bool
	Processed    bool
	Echo         bool
	InError      bool

	Txid uint64 // Bus.txid at the time this frame was stamped
}

func newResponse() *Response {
	return &Response{Payload: make([]byte, 0, ResponseCap)}
}

func (r *Response) reset() {
	*r = Response{Payload: r.Payload[:0]}
}
