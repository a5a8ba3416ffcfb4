package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Cmd: CmdWriteStdout, ID: 7, Arg: 0, Len: 255}
	assert.Equal(t, h, ParseHeader(h.Encode()))
	assert.Equal(t, [4]byte{0x12, 7, 0, 255}, h.Encode())
}

func TestStreamRole(t *testing.T) {
	cases := []struct {
		cmd  Cmd
		role Role
		ok   bool
	}{
		{CmdWriteCtrl, Ctrl, true},
		{CmdWriteStderr, Stderr, true},
		{CmdAckStdin, Stdin, true},
		{CmdCloseStdout, Stdout, true},
		{CmdOpen, 0, false},
		{CmdCloseAck, 0, false},
		{Cmd(0x14), 0, false},
		{Cmd(0x2f), 0, false},
		{Cmd(0xff), 0, false},
	}
	for _, c := range cases {
		role, ok := c.cmd.StreamRole()
		assert.Equal(t, c.ok, ok, c.cmd.String())
		if ok {
			assert.Equal(t, c.role, role, c.cmd.String())
		}
	}
}

func TestRoleCommands(t *testing.T) {
	assert.Equal(t, CmdWriteStdin, WriteCmd(Stdin))
	assert.Equal(t, CmdAckStdout, AckCmd(Stdout))
	assert.Equal(t, CmdCloseStderr, CloseCmd(Stderr))
}

func TestAckWireFormat(t *testing.T) {
	// Credit counts are pinned to 4 bytes little-endian.
	b := make([]byte, AckLen)
	PutAck(b, 0x01020304)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b)
	assert.Equal(t, uint32(0x01020304), Ack(b))
}

func TestOutbound(t *testing.T) {
	assert.True(t, Ctrl.Outbound())
	assert.True(t, Stdin.Outbound())
	assert.False(t, Stdout.Outbound())
	assert.False(t, Stderr.Outbound())
}
