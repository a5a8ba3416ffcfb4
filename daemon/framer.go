package daemon

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tessel/usbexecd/wire"
)

// errReset unwinds the event loop when the controller sends RESET.
var errReset = errors.New("reset requested by controller")

// framer owns the control socket. Frames are read and written atomically:
// sub-reads and sub-writes inside a frame loop over EAGAIN so that no
// partial frame is ever observed by either side. This is safe because
// frames are small and bounded and the controller is the sole source of
// socket data.
type framer struct {
	log *zap.SugaredLogger
	fd  int
}

// readFull reads exactly len(buf) bytes from the socket, spinning over
// EAGAIN. A peer close mid-read is fatal: the daemon cannot survive the
// loss of its controller.
func (f *framer) readFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Read(f.fd, buf[off:])
		if n > 0 {
			off += n
			continue
		}
		if n == 0 && err == nil {
			return errors.New("controller closed the socket mid-frame")
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		return fmt.Errorf("reading socket: %w", err)
	}
	return nil
}

// writeFull writes all of buf to the socket, spinning over EAGAIN so a
// frame is never left half-sent.
func (f *framer) writeFull(buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := unix.Write(f.fd, buf[off:])
		if n > 0 {
			off += n
			continue
		}
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err == nil {
			return errors.New("short write to socket")
		}
		return fmt.Errorf("writing socket: %w", err)
	}
	return nil
}

func (f *framer) sendHeader(h wire.Header) error {
	f.log.Debugw("send", "cmd", h.Cmd.String(), "id", h.ID, "arg", h.Arg, "len", h.Len)
	b := h.Encode()
	return f.writeFull(b[:])
}

// sendAck emits an ACK frame granting the controller credit more bytes on
// the named stream.
func (f *framer) sendAck(role wire.Role, id uint8, credit int) error {
	f.log.Debugw("send", "cmd", wire.AckCmd(role).String(), "id", id, "credit", credit)
	var buf [wire.HeaderLen + wire.AckLen]byte
	h := wire.Header{Cmd: wire.AckCmd(role), ID: id, Len: wire.AckLen}
	hb := h.Encode()
	copy(buf[:], hb[:])
	wire.PutAck(buf[wire.HeaderLen:], uint32(credit))
	return f.writeFull(buf[:])
}

// readAck reads the fixed-width credit count that follows an ACK header.
func (f *framer) readAck() (uint32, error) {
	var buf [wire.AckLen]byte
	if err := f.readFull(buf[:]); err != nil {
		return 0, fmt.Errorf("reading ACK credit: %w", err)
	}
	return wire.Ack(buf[:]), nil
}

// readHeader reads the next frame header.
func (f *framer) readHeader() (wire.Header, error) {
	var buf [wire.HeaderLen]byte
	if err := f.readFull(buf[:]); err != nil {
		return wire.Header{}, err
	}
	return wire.ParseHeader(buf), nil
}
