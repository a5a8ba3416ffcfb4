package daemon

import (
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/tessel/usbexecd/wire"
)

// procSlot holds one child process and its four streams. A zero pid means
// the child has been reaped; the slot may still be flushing residual
// output and is only released by a CLOSE from the controller.
type procSlot struct {
	pid  int
	bufs [wire.NumRoles]*pipeBuf
}

// procTable is the fixed table of process slots, indexed directly by the
// on-wire id byte.
type procTable struct {
	log  *zap.SugaredLogger
	fr   *framer
	loop *eventLoop

	// childArgv re-executes this binary as the launcher; the launch
	// marker in the environment routes it into launch mode before any
	// CLI handling.
	childArgv []string

	slots [wire.NumProcs]*procSlot
}

func newProcTable(log *zap.SugaredLogger, fr *framer, loop *eventLoop, childArgv []string) *procTable {
	return &procTable{
		log:       log,
		fr:        fr,
		loop:      loop,
		childArgv: childArgv,
	}
}

// stream resolves a per-stream command's target. Addressing a slot that
// was never opened is a protocol violation.
func (t *procTable) stream(id uint8, role wire.Role) (*pipeBuf, error) {
	slot := t.slots[id]
	if slot == nil {
		return nil, fmt.Errorf("proc %d does not exist", id)
	}
	return slot.bufs[role], nil
}

// open allocates slot id: four pipes, four pipe buffers, and a child
// holding the far ends. The controller's send windows for control and
// stdin are seeded with the full buffer capacity.
func (t *procTable) open(id uint8) error {
	if t.slots[id] != nil {
		return fmt.Errorf("proc %d is already open", id)
	}

	slot := &procSlot{}
	childEnds := make([]*os.File, 0, wire.NumRoles)
	cleanup := func() {
		for _, f := range childEnds {
			f.Close()
		}
		for _, pb := range slot.bufs {
			if pb != nil {
				pb.closeNow(false)
			}
		}
	}

	for role := wire.Ctrl; role < wire.NumRoles; role++ {
		pb, childEnd, err := newPipeBuf(t.log, t.fr, t.loop, id, role)
		if err != nil {
			cleanup()
			return err
		}
		slot.bufs[role] = pb
		childEnds = append(childEnds, childEnd)
	}

	// The child sees the pipe ends as fds 3 (control), 4 (stdin),
	// 5 (stdout), 6 (stderr). Every other daemon descriptor is
	// close-on-exec and cannot leak past the launcher.
	cmd := exec.Command(t.childArgv[0], t.childArgv[1:]...)
	cmd.ExtraFiles = childEnds
	cmd.Env = append(os.Environ(), launchEnv+"=1")
	if err := cmd.Start(); err != nil {
		cleanup()
		return fmt.Errorf("starting child for proc %d: %w", id, err)
	}
	for _, f := range childEnds {
		f.Close()
	}
	slot.pid = cmd.Process.Pid
	// The reaper collects the exit status itself via wait4; drop the
	// process handle so os/exec never races it.
	cmd.Process.Release()
	t.slots[id] = slot
	t.log.Debugw("opened proc", "id", id, "pid", slot.pid)

	for _, role := range []wire.Role{wire.Ctrl, wire.Stdin} {
		if err := slot.bufs[role].grant(wire.Window); err != nil {
			return err
		}
	}
	return nil
}

// close tears slot id down on controller request: SIGKILL and a
// synchronous reap of any live child, then all four streams force-closed
// without flushing, then CLOSE_ACK.
func (t *procTable) close(id uint8) error {
	slot := t.slots[id]
	if slot == nil {
		return fmt.Errorf("close of unknown proc %d", id)
	}
	if slot.pid != 0 {
		if err := unix.Kill(slot.pid, unix.SIGKILL); err != nil {
			t.log.Errorw("kill failed during close", "id", id, "pid", slot.pid, "err", err)
		}
		for {
			_, err := unix.Wait4(slot.pid, nil, 0, nil)
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				t.log.Errorw("wait failed during close", "id", id, "pid", slot.pid, "err", err)
			}
			break
		}
		slot.pid = 0
	}
	for _, pb := range slot.bufs {
		if err := pb.closeNow(false); err != nil {
			return err
		}
	}
	t.slots[id] = nil
	t.log.Debugw("closed proc", "id", id)
	return t.fr.sendHeader(wire.Header{Cmd: wire.CmdCloseAck, ID: id, Arg: 255})
}

// kill delivers signo to slot id's child, if it is still alive. There is
// no acknowledgment; the controller observes the effect via EXIT_STATUS.
func (t *procTable) kill(id uint8, signo uint8) error {
	slot := t.slots[id]
	if slot == nil {
		return fmt.Errorf("kill of unknown proc %d", id)
	}
	if slot.pid == 0 {
		return nil
	}
	if err := unix.Kill(slot.pid, unix.Signal(signo)); err != nil {
		t.log.Errorw("kill failed", "id", id, "pid", slot.pid, "signal", signo, "err", err)
	}
	return nil
}

// reap harvests every exited child with a non-blocking wait loop and
// reports each exit to the controller. Multiple coalesced SIGCHLDs are
// covered by a single call.
func (t *procTable) reap() error {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			return nil
		}
		if err != nil {
			return fmt.Errorf("waiting for children: %w", err)
		}
		if pid <= 0 {
			return nil
		}

		var code uint8
		switch {
		case ws.Exited():
			code = uint8(ws.ExitStatus())
		case ws.Signaled():
			code = uint8(ws.Signal())
		default:
			continue
		}

		id, slot := t.findByPid(pid)
		if slot == nil {
			t.log.Errorw("reaped a child with no slot", "pid", pid)
			continue
		}
		slot.pid = 0
		t.log.Debugw("child exited", "id", id, "pid", pid, "code", code)

		// The child's pipe ends are gone; pull whatever it left behind
		// now so each inbound stream can flush and half-close without
		// waiting for a readiness event it may never have registered for.
		for _, role := range []wire.Role{wire.Stdout, wire.Stderr} {
			pb := slot.bufs[role]
			if pb.fd != -1 {
				if err := pb.onReadable(); err != nil {
					return err
				}
			}
		}

		if err := t.fr.sendHeader(wire.Header{Cmd: wire.CmdExitStatus, ID: id, Arg: code}); err != nil {
			return err
		}
	}
}

func (t *procTable) findByPid(pid int) (uint8, *procSlot) {
	for i, slot := range t.slots {
		if slot != nil && slot.pid == pid {
			return uint8(i), slot
		}
	}
	return 0, nil
}
