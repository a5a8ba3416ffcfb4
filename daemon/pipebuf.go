package daemon

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tessel/usbexecd/internal/ring"
	"github.com/tessel/usbexecd/wire"
)

// pipeBuf is the flow-controlled state machine for one direction of one
// stream of one process. Outbound streams (control, stdin) buffer bytes
// arriving on the socket and drain them into the child's pipe; inbound
// streams (stdout, stderr) buffer bytes read from the child's pipe and
// forward them to the socket as WRITE frames, gated by controller-granted
// credit.
//
// Registration in the event loop tracks exactly one condition per
// direction: an outbound stream is registered iff it has buffered bytes to
// drain, an inbound stream iff the controller has granted credit.
type pipeBuf struct {
	log  *zap.SugaredLogger
	fr   *framer
	loop *eventLoop

	id   uint8
	role wire.Role
	// epoll interest: EPOLLOUT toward the child for outbound streams,
	// EPOLLIN from it for inbound ones.
	events uint32

	fd         int
	registered bool
	ring       *ring.Ring

	// credit is the byte count the other side has authorized. For
	// outbound streams it mirrors the controller's remaining send window;
	// for inbound streams it is the remaining bytes the controller will
	// accept.
	credit int

	// eof marks a close request; the stream finishes flushing and then
	// releases its descriptor.
	eof bool
}

// newPipeBuf creates the stream's pipe and returns the buffer wrapped
// around the daemon-side end, plus the end destined for the child. The
// daemon end is non-blocking; the child end stays blocking.
func newPipeBuf(log *zap.SugaredLogger, fr *framer, loop *eventLoop, id uint8, role wire.Role) (*pipeBuf, *os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("creating %s pipe for proc %d: %w", role, id, err)
	}

	pb := &pipeBuf{
		log:  log.With("id", id, "role", role.String()),
		fr:   fr,
		loop: loop,
		id:   id,
		role: role,
		ring: ring.New(wire.Window),
	}
	var childFD int
	if role.Outbound() {
		childFD, pb.fd = fds[0], fds[1]
		pb.events = unix.EPOLLOUT
	} else {
		pb.fd, childFD = fds[0], fds[1]
		pb.events = unix.EPOLLIN
	}
	if err := unix.SetNonblock(pb.fd, true); err != nil {
		unix.Close(pb.fd)
		unix.Close(childFD)
		return nil, nil, fmt.Errorf("setting %s pipe non-blocking: %w", role, err)
	}
	return pb, os.NewFile(uintptr(childFD), role.String()), nil
}

// updateRegistration reconciles the event-loop registration with the
// stream's state: outbound streams want readiness only while they hold
// bytes to drain, inbound streams only while credit remains.
func (pb *pipeBuf) updateRegistration() error {
	want := pb.fd != -1
	if pb.role.Outbound() {
		want = want && pb.ring.Len() > 0
	} else {
		want = want && pb.credit > 0
	}
	if want == pb.registered {
		return nil
	}
	if want {
		if err := pb.loop.register(pb.fd, pb.events, tag{kind: tagStream, pb: pb}); err != nil {
			return err
		}
	} else {
		if err := pb.loop.deregister(pb.fd); err != nil {
			return err
		}
	}
	pb.registered = want
	return nil
}

// closeNow releases the descriptor immediately, discarding any buffered
// bytes. When notify is set a per-stream CLOSE frame tells the controller
// this direction is gone. Closing an already-closed stream is a no-op.
func (pb *pipeBuf) closeNow(notify bool) error {
	if pb.fd == -1 {
		return nil
	}
	if pb.registered {
		if err := pb.loop.deregister(pb.fd); err != nil {
			return err
		}
		pb.registered = false
	}
	if err := unix.Close(pb.fd); err != nil {
		return fmt.Errorf("closing %s of proc %d: %w", pb.role, pb.id, err)
	}
	pb.fd = -1
	pb.eof = true
	pb.ring.Reset()
	pb.log.Debug("closed")
	if notify {
		return pb.fr.sendHeader(wire.Header{Cmd: wire.CloseCmd(pb.role), ID: pb.id})
	}
	return nil
}

// grant extends the controller's send window by n bytes and emits the
// matching ACK frame.
func (pb *pipeBuf) grant(n int) error {
	pb.credit += n
	return pb.fr.sendAck(pb.role, pb.id, n)
}

// recvWrite moves a WRITE frame's payload from the socket into the ring.
// The payload length was authorized by credit the daemon granted earlier;
// an overrun is a protocol violation and fatal.
func (pb *pipeBuf) recvWrite(n int) error {
	if pb.eof || pb.fd == -1 {
		return fmt.Errorf("controller wrote %d bytes to closed %s stream of proc %d", n, pb.role, pb.id)
	}
	if n > pb.ring.Free() {
		return fmt.Errorf("controller overran its window on %s of proc %d: %d bytes offered, %d free", pb.role, pb.id, n, pb.ring.Free())
	}
	for left := n; left > 0; {
		region := pb.ring.FreeRegion()
		if len(region) > left {
			region = region[:left]
		}
		if err := pb.fr.readFull(region); err != nil {
			return err
		}
		pb.ring.Produce(len(region))
		left -= len(region)
	}
	pb.credit -= n
	return pb.updateRegistration()
}

// onWritable drains buffered bytes into the child's pipe. Every byte that
// reaches the pipe is acknowledged back to the controller, so the
// controller's window always tracks the ring's free capacity.
func (pb *pipeBuf) onWritable() error {
	drained := 0
	for pb.ring.Len() > 0 {
		region := pb.ring.DataRegion(-1)
		n, err := unix.Write(pb.fd, region)
		if n > 0 {
			pb.ring.Consume(n)
			drained += n
		}
		if err == nil {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EPIPE {
			// The child is gone with bytes still queued. Its exit status
			// is already on the way via SIGCHLD; drop the stream.
			pb.log.Debugw("child pipe broken, abandoning stream", "buffered", pb.ring.Len())
			return pb.closeNow(true)
		}
		return fmt.Errorf("draining %s of proc %d: %w", pb.role, pb.id, err)
	}
	if drained > 0 {
		if err := pb.grant(drained); err != nil {
			return err
		}
	}
	if pb.eof && pb.ring.Len() == 0 {
		return pb.closeNow(false)
	}
	return pb.updateRegistration()
}

// onReadable moves bytes from the child's pipe into the ring and forwards
// as much as credit allows. A zero-length read marks EOF; the stream
// half-closes once every buffered byte has been forwarded.
func (pb *pipeBuf) onReadable() error {
	for pb.ring.Free() > 0 {
		region := pb.ring.FreeRegion()
		n, err := unix.Read(pb.fd, region)
		if n > 0 {
			pb.ring.Produce(n)
			continue
		}
		if n == 0 && err == nil {
			pb.log.Debug("child closed its end")
			pb.eof = true
			break
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("reading %s of proc %d: %w", pb.role, pb.id, err)
	}
	if pb.credit > 0 && pb.ring.Len() > 0 {
		if err := pb.forward(); err != nil {
			return err
		}
	}
	if pb.eof && pb.ring.Len() == 0 {
		return pb.closeNow(true)
	}
	return pb.updateRegistration()
}

// forward emits buffered bytes to the socket as WRITE frames, at most
// MaxWrite bytes per frame and never beyond the granted credit.
func (pb *pipeBuf) forward() error {
	n := pb.ring.Len()
	if n > pb.credit {
		n = pb.credit
	}
	for n > 0 {
		chunk := n
		if chunk > wire.MaxWrite {
			chunk = wire.MaxWrite
		}
		if err := pb.fr.sendHeader(wire.Header{Cmd: wire.WriteCmd(pb.role), ID: pb.id, Len: uint8(chunk)}); err != nil {
			return err
		}
		for left := chunk; left > 0; {
			region := pb.ring.DataRegion(left)
			if err := pb.fr.writeFull(region); err != nil {
				return err
			}
			pb.ring.Consume(len(region))
			left -= len(region)
		}
		pb.credit -= chunk
		n -= chunk
	}
	return nil
}

// recvAck applies a credit grant from the controller. Credit arriving
// after the stream already half-closed is accepted and has no effect.
func (pb *pipeBuf) recvAck(k int) error {
	pb.credit += k
	if pb.fd == -1 {
		return nil
	}
	if pb.credit > 0 && pb.ring.Len() > 0 {
		if err := pb.forward(); err != nil {
			return err
		}
	}
	if pb.eof && pb.ring.Len() == 0 {
		return pb.closeNow(true)
	}
	return pb.updateRegistration()
}

// recvClose handles a per-stream CLOSE from the controller. The stream
// finishes flushing buffered bytes first; repeated CLOSE frames for the
// same stream are ignored.
func (pb *pipeBuf) recvClose() error {
	if pb.fd == -1 {
		return nil
	}
	pb.eof = true
	if pb.ring.Len() > 0 {
		return nil
	}
	// Inbound streams echo the close so the controller knows no further
	// output frames will arrive.
	return pb.closeNow(!pb.role.Outbound())
}
