package reassembly

import "github.com/Mmx233/frag6d/protocol"

// ErrorType is an ICMPv6 error message type.
type ErrorType uint8

const (
	TimeExceeded ErrorType = 3
	ParamProblem ErrorType = 4
)

func (t ErrorType) String() string {
	switch t {
	case TimeExceeded:
		return "time_exceeded"
	case ParamProblem:
		return "param_problem"
	default:
		return "unknown"
	}
}

// ICMPv6 codes used by the engine.
const (
	CodeErroneousHeader   uint8 = 0 // ParamProblem: erroneous header field
	CodeReassemblyTimeout uint8 = 1 // TimeExceeded: fragment reassembly time exceeded
)

// ErrorSender generates an ICMPv6 error for an offending packet. It takes
// ownership of pkt and must release it. pointer is the byte offset of the
// offending field for ParamProblem and is ignored otherwise.
//
// SendError is never called with a shard lock held.
type ErrorSender interface {
	SendError(pkt *protocol.Packet, typ ErrorType, code uint8, pointer uint32)
}

// ErrorSenderFunc adapts a function to ErrorSender.
type ErrorSenderFunc func(pkt *protocol.Packet, typ ErrorType, code uint8, pointer uint32)

func (f ErrorSenderFunc) SendError(pkt *protocol.Packet, typ ErrorType, code uint8, pointer uint32) {
	f(pkt, typ, code, pointer)
}

// DiscardErrors releases every packet without generating anything.
var DiscardErrors ErrorSender = ErrorSenderFunc(func(pkt *protocol.Packet, _ ErrorType, _ uint8, _ uint32) {
	pkt.Release()
})

// pendingError is an error collected under a lock and sent after unlocking.
type pendingError struct {
	pkt     *protocol.Packet
	typ     ErrorType
	code    uint8
	pointer uint32
}
