// Package rserve is a client for the Rserve QAP1 protocol.
//
// A QAP1 message is a 16 byte little-endian header (command, length low,
// offset, length high) followed by parameters. Each parameter carries a
// 4 byte header of type and 24 bit length, or 8 bytes when the length does
// not fit (DT_LARGE).
package rserve

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Commands.
const (
	CmdVoidEval      = 0x002
	CmdEval          = 0x003
	CmdShutdown      = 0x004
	CmdSetSEXP       = 0x020
	CmdCtrlShutdown  = 0x044
	respOK           = 0x10001
	respErr          = 0x10002
	respMask         = 0x0fffff
	respStatusShift  = 24
	cmdOOB           = 0x20000
	headerSize       = 16
	idStringSize     = 32
	maxMessageLength = 1 << 31
)

// Parameter types.
const (
	DTInt    = 1
	DTChar   = 2
	DTDouble = 3
	DTString = 4
	DTBytes  = 5
	DTSEXP   = 10
	DTArray  = 11
	DTLarge  = 64
)

// Server status codes reported with RESP_ERR.
const (
	StatusEvalError    = 0x02
	StatusParseError   = 0x03
	StatusAuthFailed   = 0x41
	StatusConnBroken   = 0x42
	StatusInvalidCmd   = 0x43
	StatusInvalidPar   = 0x44
	StatusRError       = 0x45
	StatusIOError      = 0x46
	StatusNotOpen      = 0x47
	StatusAccessDenied = 0x48
	StatusUnsupported  = 0x49
	StatusUnknownCmd   = 0x4a
	StatusDataOverflow = 0x4b
	StatusTooBig       = 0x4c
	StatusOutOfMemory  = 0x4d
	StatusCtrlClosed   = 0x4e
	StatusSessionBusy  = 0x50
	StatusDetachFailed = 0x51
)

var statusText = map[int]string{
	StatusEvalError:    "evaluation error",
	StatusParseError:   "parse error",
	StatusAuthFailed:   "authentication failed",
	StatusConnBroken:   "connection broken",
	StatusInvalidCmd:   "invalid command",
	StatusInvalidPar:   "invalid parameter",
	StatusRError:       "R error",
	StatusIOError:      "I/O error",
	StatusNotOpen:      "file not open",
	StatusAccessDenied: "access denied",
	StatusUnsupported:  "unsupported command",
	StatusUnknownCmd:   "unknown command",
	StatusDataOverflow: "data overflow",
	StatusTooBig:       "object too big",
	StatusOutOfMemory:  "out of memory",
	StatusCtrlClosed:   "control pipe closed",
	StatusSessionBusy:  "session busy",
	StatusDetachFailed: "detach failed",
}

var (
	// ErrProtocol is returned when the peer does not speak QAP1 as expected.
	// The connection is unusable afterwards.
	ErrProtocol = errors.New("rserve: protocol error")

	// ErrClosed is returned for calls on a closed or broken connection.
	ErrClosed = errors.New("rserve: connection closed")

	// ErrAuthRequired is returned when the server demands a login.
	ErrAuthRequired = errors.New("rserve: server requires authentication")
)

// ServerError is a RESP_ERR reply. The connection stays usable.
type ServerError struct {
	Cmd    int
	Status int
}

func (e *ServerError) Error() string {
	text, ok := statusText[e.Status]
	if !ok {
		text = "unknown status"
	}
	return fmt.Sprintf("rserve: command 0x%x failed: status 0x%x (%s)", e.Cmd, e.Status, text)
}

// EvalFailure reports whether the server rejected the expression itself
// (parse or evaluation failure) rather than the request.
func (e *ServerError) EvalFailure() bool {
	return e.Status == StatusEvalError || e.Status == StatusParseError || e.Status == StatusRError
}

// Message is one QAP1 request or response.
type Message struct {
	Cmd  int
	Body []byte
}

// ReadMessage reads one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	cmd := binary.LittleEndian.Uint32(hdr[0:4])
	n := uint64(binary.LittleEndian.Uint32(hdr[4:8])) |
		uint64(binary.LittleEndian.Uint32(hdr[12:16]))<<32
	if n > maxMessageLength {
		return Message{}, fmt.Errorf("%w: message length %d", ErrProtocol, n)
	}
	if off := binary.LittleEndian.Uint32(hdr[8:12]); off != 0 {
		return Message{}, fmt.Errorf("%w: unsupported offset %d", ErrProtocol, off)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	return Message{Cmd: int(cmd), Body: body}, nil
}

// WriteMessage frames and writes m.
func WriteMessage(w io.Writer, m Message) error {
	buf := make([]byte, headerSize, headerSize+len(m.Body))
	n := uint64(len(m.Body))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(n))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(n>>32))
	buf = append(buf, m.Body...)
	_, err := w.Write(buf)
	return err
}

// Param is one decoded message parameter.
type Param struct {
	Type int
	Data []byte
}

// AppendParam appends a parameter header and data to buf.
func AppendParam(buf []byte, typ int, data []byte) []byte {
	buf = appendHeader(buf, typ, len(data))
	return append(buf, data...)
}

// ParseParams splits a message body into parameters.
func ParseParams(body []byte) ([]Param, error) {
	var params []Param
	for len(body) > 0 {
		typ, n, hl, err := readHeader(body)
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Type: typ, Data: body[hl : hl+n]})
		body = body[hl+n:]
	}
	return params, nil
}

// appendHeader writes a 4 byte header, or 8 bytes with the large flag when
// n needs more than 24 bits. Shared by parameters and SEXPs.
func appendHeader(buf []byte, typ, n int) []byte {
	if n > 0xfffff0 {
		var h [8]byte
		binary.LittleEndian.PutUint32(h[0:4], uint32(typ|DTLarge)|uint32(n&0xffffff)<<8)
		binary.LittleEndian.PutUint32(h[4:8], uint32(uint64(n)>>24))
		return append(buf, h[:]...)
	}
	var h [4]byte
	binary.LittleEndian.PutUint32(h[:], uint32(typ)|uint32(n)<<8)
	return append(buf, h[:]...)
}

// readHeader decodes a parameter or SEXP header, returning the type without
// the large flag, the payload length and the header length.
func readHeader(b []byte) (typ, n, hl int, err error) {
	if len(b) < 4 {
		return 0, 0, 0, fmt.Errorf("%w: short header", ErrProtocol)
	}
	word := binary.LittleEndian.Uint32(b[0:4])
	typ = int(word & 0xff)
	n = int(word >> 8)
	hl = 4
	if typ&DTLarge != 0 {
		if len(b) < 8 {
			return 0, 0, 0, fmt.Errorf("%w: short large header", ErrProtocol)
		}
		n |= int(binary.LittleEndian.Uint32(b[4:8])) << 24
		typ &^= DTLarge
		hl = 8
	}
	if n < 0 || hl+n > len(b) {
		return 0, 0, 0, fmt.Errorf("%w: length %d exceeds buffer %d", ErrProtocol, n, len(b)-hl)
	}
	return typ, n, hl, nil
}

// stringParam encodes s as a NUL terminated DT_STRING padded to 4 bytes.
func stringParam(s string) []byte {
	n := len(s) + 1
	if r := n % 4; r != 0 {
		n += 4 - r
	}
	data := make([]byte, n)
	copy(data, s)
	return AppendParam(nil, DTString, data)
}
