package daemon

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tessel/usbexecd/wire"
)

// pbHarness stands in for the daemon around a single pipe buffer: a real
// event loop and a framer whose socket we hold the far end of.
type pbHarness struct {
	loop *eventLoop
	fr   *framer
	peer *os.File
}

func newPBHarness(t *testing.T) *pbHarness {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() { unix.Close(fds[0]) })

	peerFile := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() { peerFile.Close() })

	loop, err := newEventLoop(testLog.Named("loop"))
	require.NoError(t, err)
	t.Cleanup(loop.close)

	return &pbHarness{
		loop: loop,
		fr:   &framer{log: testLog.Named("framer"), fd: fds[0]},
		peer: peerFile,
	}
}

func (h *pbHarness) newBuf(t *testing.T, id uint8, role wire.Role) (*pipeBuf, *os.File) {
	t.Helper()
	pb, childEnd, err := newPipeBuf(testLog, h.fr, h.loop, id, role)
	require.NoError(t, err)
	t.Cleanup(func() {
		childEnd.Close()
		pb.closeNow(false)
	})
	return pb, childEnd
}

// seed grants the controller its initial send window and discards the ACK
// frame, the way open does for control and stdin.
func (h *pbHarness) seed(t *testing.T, pb *pipeBuf) {
	t.Helper()
	require.NoError(t, pb.grant(wire.Window))
	hdr, payload := readTestFrame(t, h.peer)
	require.Equal(t, wire.AckCmd(pb.role), hdr.Cmd)
	require.Equal(t, uint32(wire.Window), wire.Ack(payload))
}

func TestOutboundDrainAndAck(t *testing.T) {
	h := newPBHarness(t)
	pb, childEnd := h.newBuf(t, 3, wire.Stdin)
	h.seed(t, pb)

	_, err := h.peer.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, pb.recvWrite(5))
	assert.Equal(t, 5, pb.ring.Len())
	assert.Equal(t, wire.Window-5, pb.credit)
	assert.True(t, pb.registered, "outbound buffer with pending bytes must be registered")

	require.NoError(t, pb.onWritable())

	buf := make([]byte, 16)
	n, err := childEnd.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	// Every drained byte is acknowledged back, restoring the window.
	hdr, payload := readTestFrame(t, h.peer)
	assert.Equal(t, wire.CmdAckStdin, hdr.Cmd)
	assert.Equal(t, uint32(5), wire.Ack(payload))
	assert.Equal(t, wire.Window, pb.credit)

	assert.Equal(t, 0, pb.ring.Len())
	assert.False(t, pb.registered, "drained outbound buffer must deregister")
}

func TestRecvWriteOverrun(t *testing.T) {
	h := newPBHarness(t)
	pb, _ := h.newBuf(t, 3, wire.Stdin)
	h.seed(t, pb)

	_, err := h.peer.Write(make([]byte, wire.Window))
	require.NoError(t, err)
	require.NoError(t, pb.recvWrite(wire.Window))
	require.Equal(t, 0, pb.ring.Free())

	_, err = h.peer.Write([]byte{'x'})
	require.NoError(t, err)
	err = pb.recvWrite(1)
	require.ErrorContains(t, err, "overran")
}

func TestRecvWriteAfterClose(t *testing.T) {
	h := newPBHarness(t)
	pb, _ := h.newBuf(t, 3, wire.Ctrl)
	h.seed(t, pb)

	require.NoError(t, pb.recvClose())
	assert.Equal(t, -1, pb.fd)

	// A second CLOSE is a no-op, a WRITE is a protocol violation.
	require.NoError(t, pb.recvClose())
	err := pb.recvWrite(1)
	require.ErrorContains(t, err, "closed")
}

func TestInboundCreditGating(t *testing.T) {
	h := newPBHarness(t)
	pb, childEnd := h.newBuf(t, 9, wire.Stdout)

	_, err := childEnd.Write([]byte("hello"))
	require.NoError(t, err)

	assert.False(t, pb.registered, "inbound buffer without credit must not be registered")
	require.NoError(t, pb.recvAck(3))
	assert.True(t, pb.registered)

	require.NoError(t, pb.onReadable())

	// Only the granted 3 bytes go out; the rest waits in the ring.
	hdr, payload := readTestFrame(t, h.peer)
	assert.Equal(t, wire.CmdWriteStdout, hdr.Cmd)
	assert.Equal(t, "hel", string(payload))
	assert.Equal(t, 2, pb.ring.Len())
	assert.Equal(t, 0, pb.credit)
	assert.False(t, pb.registered, "exhausted credit must deregister")

	// Fresh credit releases the buffered remainder immediately.
	require.NoError(t, pb.recvAck(10))
	hdr, payload = readTestFrame(t, h.peer)
	assert.Equal(t, wire.CmdWriteStdout, hdr.Cmd)
	assert.Equal(t, "lo", string(payload))
	assert.Equal(t, 8, pb.credit)
	assert.True(t, pb.registered)

	// Child EOF with nothing buffered half-closes and notifies the peer.
	require.NoError(t, childEnd.Close())
	require.NoError(t, pb.onReadable())
	hdr, _ = readTestFrame(t, h.peer)
	assert.Equal(t, wire.CmdCloseStdout, hdr.Cmd)
	assert.Equal(t, -1, pb.fd)
	assert.False(t, pb.registered)
}

func TestInboundChunking(t *testing.T) {
	h := newPBHarness(t)
	pb, childEnd := h.newBuf(t, 1, wire.Stderr)

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := childEnd.Write(payload)
	require.NoError(t, err)

	require.NoError(t, pb.recvAck(600))
	require.NoError(t, pb.onReadable())

	// 600 bytes arrive as 255+255+90: no frame exceeds the one-byte
	// length field.
	var got []byte
	for _, want := range []int{255, 255, 90} {
		hdr, p := readTestFrame(t, h.peer)
		require.Equal(t, wire.CmdWriteStderr, hdr.Cmd)
		require.Equal(t, want, len(p))
		got = append(got, p...)
	}
	assert.Equal(t, payload, got)
	assert.Equal(t, 0, pb.credit)
}

func TestInboundEOFWaitsForCredit(t *testing.T) {
	h := newPBHarness(t)
	pb, childEnd := h.newBuf(t, 2, wire.Stdout)

	_, err := childEnd.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, childEnd.Close())

	// Credit for one byte: the stream learns about EOF but must keep its
	// descriptor until the ring flushes.
	require.NoError(t, pb.recvAck(1))
	require.NoError(t, pb.onReadable())
	hdr, p := readTestFrame(t, h.peer)
	require.Equal(t, wire.CmdWriteStdout, hdr.Cmd)
	require.Equal(t, "t", string(p))
	require.True(t, pb.eof)
	require.NotEqual(t, -1, pb.fd)

	require.NoError(t, pb.recvAck(100))
	hdr, p = readTestFrame(t, h.peer)
	require.Equal(t, "ail", string(p))
	hdr, _ = readTestFrame(t, h.peer)
	require.Equal(t, wire.CmdCloseStdout, hdr.Cmd)
	require.Equal(t, -1, pb.fd)
}
