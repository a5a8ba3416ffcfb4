// Package daemon implements a multiplexed process-execution daemon: up to
// 256 concurrently running child processes exposed to a single controller
// over one local stream socket. Each process carries four byte streams
// (control, stdin, stdout, stderr) that are time-division multiplexed over
// the socket with a fixed 4-byte frame header and per-stream credit-based
// flow control.
//
// The daemon is single-threaded and readiness-driven: one epoll instance
// demultiplexes the socket, a SIGCHLD channel, and every live stream; the
// only suspension point is the readiness wait.
package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tessel/usbexecd/wire"
)

// Daemon multiplexes child processes over a control socket.
type Daemon struct {
	log       *zap.SugaredLogger
	childArgv []string
}

type Option func(d *Daemon)

func WithLogger(l *zap.Logger) Option {
	return func(d *Daemon) {
		d.log = l.Sugar()
	}
}

// WithChildCommand overrides the command re-executed as the child
// launcher. The default is the running binary itself.
func WithChildCommand(argv ...string) Option {
	return func(d *Daemon) {
		d.childArgv = argv
	}
}

func New(opts ...Option) (*Daemon, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	d := &Daemon{log: logger.Sugar()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.Named("usbexecd").With("run", uuid.NewString()[:8])
	if d.childArgv == nil {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable: %w", err)
		}
		d.childArgv = []string{exe}
	}
	return d, nil
}

// Run connects to the controller's socket at path and serves it until
// RESET or a fatal error. A connect failure is fatal; there is no retry.
func (d *Daemon) Run(path string) error {
	sock, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating socket: %w", err)
	}
	if err := unix.Connect(sock, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(sock)
		return fmt.Errorf("connecting to %s: %w", path, err)
	}
	d.log.Infow("connected", "path", path)
	return d.Serve(sock)
}

// Serve runs the event loop over an already-connected stream socket. It
// returns nil when the controller sends RESET and an error on any fatal
// condition, including loss of the controller connection.
func (d *Daemon) Serve(sock int) error {
	defer unix.Close(sock)
	if err := unix.SetNonblock(sock, true); err != nil {
		return fmt.Errorf("setting socket non-blocking: %w", err)
	}

	loop, err := newEventLoop(d.log.Named("eventloop"))
	if err != nil {
		return err
	}
	defer loop.close()

	fr := &framer{log: d.log.Named("framer"), fd: sock}
	table := newProcTable(d.log.Named("proctable"), fr, loop, d.childArgv)

	sig, err := newSigChan(d.log.Named("sigchan"))
	if err != nil {
		return err
	}
	defer sig.close()

	if err := loop.register(sock, unix.EPOLLIN, tag{kind: tagSocket}); err != nil {
		return err
	}
	if err := loop.register(sig.r, unix.EPOLLIN, tag{kind: tagSignal}); err != nil {
		return err
	}

	events := make([]unix.EpollEvent, 16)
	for {
		n, err := loop.wait(events)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			t, ok := loop.lookup(events[i].Fd)
			if !ok {
				// Deregistered by an earlier event in this batch.
				continue
			}
			switch t.kind {
			case tagSocket:
				err = d.handleFrame(fr, table)
				if errors.Is(err, errReset) {
					d.log.Info("reset requested, exiting")
					return nil
				}
			case tagSignal:
				sig.drain()
				err = table.reap()
			case tagStream:
				if t.pb.role.Outbound() {
					err = t.pb.onWritable()
				} else {
					err = t.pb.onReadable()
				}
			}
			if err != nil {
				d.log.Errorw("fatal", "err", err)
				return err
			}
		}
	}
}

// handleFrame reads one frame header from the socket and dispatches it.
func (d *Daemon) handleFrame(fr *framer, table *procTable) error {
	h, err := fr.readHeader()
	if err != nil {
		return err
	}
	d.log.Debugw("recv", "cmd", h.Cmd.String(), "id", h.ID, "arg", h.Arg, "len", h.Len)

	switch h.Cmd {
	case wire.CmdReset:
		return errReset
	case wire.CmdOpen:
		return table.open(h.ID)
	case wire.CmdClose:
		return table.close(h.ID)
	case wire.CmdKill:
		return table.kill(h.ID, h.Arg)
	}

	role, ok := h.Cmd.StreamRole()
	if !ok {
		return fmt.Errorf("unknown command %#x from controller", uint8(h.Cmd))
	}
	pb, err := table.stream(h.ID, role)
	if err != nil {
		return err
	}

	switch h.Cmd & 0xf0 {
	case 0x10: // WRITE
		if !role.Outbound() {
			return fmt.Errorf("controller cannot write to %s", role)
		}
		return pb.recvWrite(int(h.Len))
	case 0x20: // ACK
		if role.Outbound() {
			return fmt.Errorf("controller cannot grant credit on %s", role)
		}
		credit, err := fr.readAck()
		if err != nil {
			return err
		}
		return pb.recvAck(int(credit))
	default: // CLOSE
		return pb.recvClose()
	}
}
