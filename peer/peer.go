// Package peer implements the controller side of the daemon's wire
// protocol. It is the library a command-line controller (or a test
// harness) drives: it opens process slots, feeds the control and stdin
// streams within the daemon-granted send windows, grants credit for
// stdout and stderr, and surfaces output and exit statuses on channels.
package peer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/tessel/usbexecd/wire"
)

// ErrClosed is returned once the connection to the daemon is gone.
var ErrClosed = errors.New("peer: connection closed")

type Client struct {
	log  *zap.SugaredLogger
	conn io.ReadWriteCloser

	// wmu serializes frame writes so concurrent callers never interleave
	// a header with another frame's payload.
	wmu sync.Mutex

	mu    sync.Mutex
	procs map[uint8]*Proc
	err   error

	done chan struct{}
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Sugar()
	}
}

// Dial connects to the daemon's socket at path.
func Dial(path string, opts ...Option) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", path, err)
	}
	return New(conn, opts...), nil
}

// New wraps an established connection to the daemon and starts reading
// frames from it.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		log:   zap.NewNop().Sugar(),
		conn:  conn,
		procs: make(map[uint8]*Proc),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.Named("peer")
	go c.readLoop()
	return c
}

// Close tears down the connection. Any blocked Wait or write unblocks
// with ErrClosed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Err returns the terminal error of the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Reset asks the daemon to exit immediately.
func (c *Client) Reset() error {
	return c.writeFrame(wire.Header{Cmd: wire.CmdReset}, nil)
}

// Open allocates slot id on the daemon and returns a handle to the new
// process. The daemon seeds the control and stdin send windows with ACK
// frames; writes on those streams block until the window opens.
func (c *Client) Open(id uint8) (*Proc, error) {
	p := &Proc{
		c:        c,
		id:       id,
		ctrl:     newWindow(),
		stdin:    newWindow(),
		stdoutCh: make(chan []byte),
		stderrCh: make(chan []byte),
		exitCh:   make(chan uint8, 1),
		ackCh:    make(chan struct{}),
	}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	if _, ok := c.procs[id]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("proc %d is already open", id)
	}
	c.procs[id] = p
	c.mu.Unlock()

	if err := c.writeFrame(wire.Header{Cmd: wire.CmdOpen, ID: id}, nil); err != nil {
		c.mu.Lock()
		delete(c.procs, id)
		c.mu.Unlock()
		return nil, err
	}
	return p, nil
}

func (c *Client) writeFrame(h wire.Header, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	buf := make([]byte, 0, wire.HeaderLen+len(payload))
	hb := h.Encode()
	buf = append(buf, hb[:]...)
	buf = append(buf, payload...)
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("writing %s frame: %w", h.Cmd, err)
	}
	return nil
}

func (c *Client) writeAck(role wire.Role, id uint8, credit int) error {
	var payload [wire.AckLen]byte
	wire.PutAck(payload[:], uint32(credit))
	return c.writeFrame(wire.Header{Cmd: wire.AckCmd(role), ID: id, Len: wire.AckLen}, payload[:])
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	procs := make([]*Proc, 0, len(c.procs))
	for _, p := range c.procs {
		procs = append(procs, p)
	}
	c.procs = make(map[uint8]*Proc)
	c.mu.Unlock()

	close(c.done)
	for _, p := range procs {
		p.closeStdout()
		p.closeStderr()
	}
}

func (c *Client) proc(id uint8) *Proc {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procs[id]
}

func (c *Client) readLoop() {
	br := bufio.NewReader(c.conn)
	for {
		err := c.readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = ErrClosed
			}
			c.log.Debugw("read loop exiting", "err", err)
			c.fail(err)
			return
		}
	}
}

func (c *Client) readFrame(br *bufio.Reader) error {
	var hb [wire.HeaderLen]byte
	if _, err := io.ReadFull(br, hb[:]); err != nil {
		return err
	}
	h := wire.ParseHeader(hb)
	c.log.Debugw("recv", "cmd", h.Cmd.String(), "id", h.ID, "arg", h.Arg, "len", h.Len)

	p := c.proc(h.ID)

	switch h.Cmd {
	case wire.CmdExitStatus:
		if p != nil {
			select {
			case p.exitCh <- h.Arg:
			default:
			}
		}
		return nil
	case wire.CmdCloseAck:
		if p != nil {
			c.mu.Lock()
			delete(c.procs, h.ID)
			c.mu.Unlock()
			close(p.ackCh)
			p.closeStdout()
			p.closeStderr()
		}
		return nil
	}

	role, ok := h.Cmd.StreamRole()
	if !ok {
		return fmt.Errorf("daemon sent unknown command %#x", uint8(h.Cmd))
	}

	switch h.Cmd & 0xf0 {
	case 0x10: // WRITE: stdout or stderr payload
		payload := make([]byte, int(h.Len))
		if _, err := io.ReadFull(br, payload); err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		switch role {
		case wire.Stdout:
			p.stdoutCh <- payload
		case wire.Stderr:
			p.stderrCh <- payload
		default:
			return fmt.Errorf("daemon wrote to %s", role)
		}
		return nil
	case 0x20: // ACK: send window extension for ctrl or stdin
		var ab [wire.AckLen]byte
		if _, err := io.ReadFull(br, ab[:]); err != nil {
			return err
		}
		credit := int(wire.Ack(ab[:]))
		if p == nil {
			return nil
		}
		switch role {
		case wire.Ctrl:
			p.ctrl.put(credit)
		case wire.Stdin:
			p.stdin.put(credit)
		default:
			return fmt.Errorf("daemon granted credit on %s", role)
		}
		return nil
	default: // CLOSE: one direction is gone
		if p == nil {
			return nil
		}
		switch role {
		case wire.Stdout:
			p.closeStdout()
		case wire.Stderr:
			p.closeStderr()
		default:
			// The daemon dropped an outbound stream (its child is gone);
			// subsequent writes will block on an exhausted window, so the
			// caller should stop writing once it sees the exit status.
			c.log.Debugw("daemon closed outbound stream", "id", h.ID, "role", role.String())
		}
		return nil
	}
}

// Proc is the controller-side handle for one process slot.
type Proc struct {
	c  *Client
	id uint8

	ctrl  *window
	stdin *window

	stdoutCh chan []byte
	stderrCh chan []byte
	exitCh   chan uint8
	ackCh    chan struct{}

	stdoutOnce sync.Once
	stderrOnce sync.Once
}

func (p *Proc) closeStdout() { p.stdoutOnce.Do(func() { close(p.stdoutCh) }) }
func (p *Proc) closeStderr() { p.stderrOnce.Do(func() { close(p.stderrCh) }) }

// Start sends the argument vector on the control stream and half-closes
// it, which releases the child to exec.
func (p *Proc) Start(argv ...string) error {
	if len(argv) == 0 {
		return errors.New("peer: empty argv")
	}
	blob := strings.Join(argv, "\x00") + "\x00"
	if err := p.WriteCtrl([]byte(blob)); err != nil {
		return err
	}
	return p.CloseCtrl()
}

// WriteCtrl writes raw bytes to the control stream within the granted
// window.
func (p *Proc) WriteCtrl(b []byte) error {
	return p.write(wire.Ctrl, p.ctrl, b)
}

// WriteStdin writes to the child's stdin within the granted window,
// blocking while the window is exhausted.
func (p *Proc) WriteStdin(b []byte) error {
	return p.write(wire.Stdin, p.stdin, b)
}

func (p *Proc) write(role wire.Role, win *window, b []byte) error {
	for len(b) > 0 {
		max := len(b)
		if max > wire.MaxWrite {
			max = wire.MaxWrite
		}
		n, err := win.take(max, p.c.done)
		if err != nil {
			return err
		}
		h := wire.Header{Cmd: wire.WriteCmd(role), ID: p.id, Len: uint8(n)}
		if err := p.c.writeFrame(h, b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (p *Proc) CloseCtrl() error {
	return p.c.writeFrame(wire.Header{Cmd: wire.CmdCloseCtrl, ID: p.id}, nil)
}

func (p *Proc) CloseStdin() error {
	return p.c.writeFrame(wire.Header{Cmd: wire.CmdCloseStdin, ID: p.id}, nil)
}

// GrantStdout authorizes the daemon to send n more bytes of stdout.
func (p *Proc) GrantStdout(n int) error {
	return p.c.writeAck(wire.Stdout, p.id, n)
}

// GrantStderr authorizes the daemon to send n more bytes of stderr.
func (p *Proc) GrantStderr(n int) error {
	return p.c.writeAck(wire.Stderr, p.id, n)
}

// Stdout returns the stdout frame channel. Each message is the payload of
// one WRITE frame; the channel closes when the stream half-closes.
func (p *Proc) Stdout() <-chan []byte { return p.stdoutCh }

// Stderr returns the stderr frame channel.
func (p *Proc) Stderr() <-chan []byte { return p.stderrCh }

// Signal delivers sig to the child.
func (p *Proc) Signal(sig syscall.Signal) error {
	return p.c.writeFrame(wire.Header{Cmd: wire.CmdKill, ID: p.id, Arg: uint8(sig)}, nil)
}

// Wait blocks until the child's exit status arrives. The status is the
// exit code for a normal exit and the signal number for a killed child.
func (p *Proc) Wait(ctx context.Context) (uint8, error) {
	select {
	case code := <-p.exitCh:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.c.done:
		return 0, p.c.Err()
	}
}

// Close tears the slot down on the daemon (SIGKILL, reap, release) and
// waits for the CLOSE_ACK.
func (p *Proc) Close(ctx context.Context) error {
	if err := p.c.writeFrame(wire.Header{Cmd: wire.CmdClose, ID: p.id}, nil); err != nil {
		return err
	}
	select {
	case <-p.ackCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.c.done:
		return p.c.Err()
	}
}

// window tracks a daemon-granted send window.
type window struct {
	mu    sync.Mutex
	n     int
	avail chan struct{}
}

func newWindow() *window {
	return &window{avail: make(chan struct{}, 1)}
}

func (w *window) put(n int) {
	w.mu.Lock()
	w.n += n
	w.mu.Unlock()
	select {
	case w.avail <- struct{}{}:
	default:
	}
}

// take blocks until the window is non-empty, then claims up to max bytes.
func (w *window) take(max int, done <-chan struct{}) (int, error) {
	for {
		w.mu.Lock()
		if w.n > 0 {
			n := w.n
			if n > max {
				n = max
			}
			w.n -= n
			w.mu.Unlock()
			return n, nil
		}
		w.mu.Unlock()
		select {
		case <-w.avail:
		case <-done:
			return 0, ErrClosed
		}
	}
}
