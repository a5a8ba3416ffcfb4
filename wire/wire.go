// Package wire defines the framing protocol spoken between the daemon and
// its controller over the local stream socket.
//
// Every frame starts with a fixed 4-byte header {cmd, id, arg, len}. WRITE
// frames are followed by len payload bytes, ACK frames by a 4-byte
// little-endian credit count. All other frames are header-only.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Cmd is a frame command code.
type Cmd uint8

const (
	CmdReset      Cmd = 0x00
	CmdOpen       Cmd = 0x01
	CmdClose      Cmd = 0x02
	CmdKill       Cmd = 0x03
	CmdExitStatus Cmd = 0x05
	CmdCloseAck   Cmd = 0x06

	CmdWriteCtrl   Cmd = 0x10
	CmdWriteStdin  Cmd = 0x11
	CmdWriteStdout Cmd = 0x12
	CmdWriteStderr Cmd = 0x13

	CmdAckCtrl   Cmd = 0x20
	CmdAckStdin  Cmd = 0x21
	CmdAckStdout Cmd = 0x22
	CmdAckStderr Cmd = 0x23

	CmdCloseCtrl   Cmd = 0x30
	CmdCloseStdin  Cmd = 0x31
	CmdCloseStdout Cmd = 0x32
	CmdCloseStderr Cmd = 0x33
)

// Role names one of the four per-process streams. The low two bits of a
// WRITE/ACK/CLOSE command are its role.
type Role uint8

const (
	Ctrl Role = iota
	Stdin
	Stdout
	Stderr

	NumRoles = 4
)

func (r Role) String() string {
	switch r {
	case Ctrl:
		return "ctrl"
	case Stdin:
		return "stdin"
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Outbound reports whether the stream carries bytes toward the child
// (control and stdin), as opposed to from it (stdout and stderr).
func (r Role) Outbound() bool { return r == Ctrl || r == Stdin }

const (
	// HeaderLen is the size of every frame header.
	HeaderLen = 4
	// AckLen is the width of the credit count following an ACK header,
	// pinned to 4 bytes little-endian on the wire.
	AckLen = 4
	// MaxWrite is the largest payload a single WRITE frame can carry;
	// the header length field is one byte.
	MaxWrite = 255

	// Window is the per-stream buffer capacity, and the credit each
	// outbound stream grants the controller on open.
	Window = 4096

	// NumProcs is the number of process slots addressable by the one-byte
	// header id field.
	NumProcs = 256
)

// Header is the decoded fixed frame header.
type Header struct {
	Cmd Cmd
	ID  uint8
	Arg uint8
	Len uint8
}

// Encode returns the header's on-wire form.
func (h Header) Encode() [HeaderLen]byte {
	return [HeaderLen]byte{byte(h.Cmd), h.ID, h.Arg, h.Len}
}

// ParseHeader decodes a 4-byte header.
func ParseHeader(b [HeaderLen]byte) Header {
	return Header{Cmd: Cmd(b[0]), ID: b[1], Arg: b[2], Len: b[3]}
}

// WriteCmd, AckCmd and CloseCmd build the per-stream command for a role.
func WriteCmd(r Role) Cmd { return CmdWriteCtrl + Cmd(r) }
func AckCmd(r Role) Cmd   { return CmdAckCtrl + Cmd(r) }
func CloseCmd(r Role) Cmd { return CmdCloseCtrl + Cmd(r) }

// StreamRole extracts the role from a per-stream command. The second return
// is false for commands that do not address a stream.
func (c Cmd) StreamRole() (Role, bool) {
	group := c & 0xf0
	if group != 0x10 && group != 0x20 && group != 0x30 {
		return 0, false
	}
	if c&0x0f > 0x03 {
		return 0, false
	}
	return Role(c & 0x03), true
}

// PutAck encodes a credit count into its wire form.
func PutAck(b []byte, credit uint32) {
	binary.LittleEndian.PutUint32(b[:AckLen], credit)
}

// Ack decodes a credit count from its wire form.
func Ack(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[:AckLen])
}

func (c Cmd) String() string {
	switch c {
	case CmdReset:
		return "RESET"
	case CmdOpen:
		return "OPEN"
	case CmdClose:
		return "CLOSE"
	case CmdKill:
		return "KILL"
	case CmdExitStatus:
		return "EXIT_STATUS"
	case CmdCloseAck:
		return "CLOSE_ACK"
	}
	if role, ok := c.StreamRole(); ok {
		names := [NumRoles]string{"CTRL", "STDIN", "STDOUT", "STDERR"}
		switch c & 0xf0 {
		case 0x10:
			return "WRITE_" + names[role]
		case 0x20:
			return "ACK_" + names[role]
		case 0x30:
			return "CLOSE_" + names[role]
		}
	}
	return fmt.Sprintf("cmd(%#x)", uint8(c))
}
