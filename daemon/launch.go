package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// launchEnv marks a process as a re-executed child launcher. It is set by
// the daemon when spawning and is never part of the operator surface.
const launchEnv = "USBEXECD_LAUNCH"

// Pipe ends handed to the child, in ExtraFiles order after stdio.
const (
	childCtrlFD   = 3
	childStdinFD  = 4
	childStdoutFD = 5
	childStderrFD = 6
)

const (
	// maxCommand bounds the argument blob read from the control stream.
	maxCommand = 1024
	// maxArgs bounds the argument count.
	maxArgs = 255
)

// MaybeLaunch routes a re-executed child into launch mode. It must be the
// first call in main (and in TestMain of any test that opens processes):
// when the launch marker is present it never returns, replacing the
// process image with the requested program or exiting on failure.
func MaybeLaunch() {
	if os.Getenv(launchEnv) == "" {
		return
	}
	if err := launch(); err != nil {
		fmt.Fprintf(os.Stderr, "usbexecd: launch: %s\n", err)
		os.Exit(1)
	}
}

func launch() error {
	argv, err := readCommand(childCtrlFD)
	if err != nil {
		return err
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("locating %q: %w", argv[0], err)
	}

	for _, d := range [][2]int{{childStdinFD, 0}, {childStdoutFD, 1}, {childStderrFD, 2}} {
		if err := unix.Dup2(d[0], d[1]); err != nil {
			return fmt.Errorf("rewiring fd %d: %w", d[1], err)
		}
	}
	for fd := childCtrlFD; fd <= childStderrFD; fd++ {
		unix.Close(fd)
	}

	os.Unsetenv(launchEnv)
	return unix.Exec(path, argv, os.Environ())
}

// readCommand reads the NUL-delimited argument vector from the control
// stream until EOF. A blob at or beyond the cap, or an argument count
// beyond the limit, is rejected outright rather than truncated.
func readCommand(fd int) ([]string, error) {
	buf := make([]byte, maxCommand)
	total := 0
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		if n > 0 {
			total += n
			continue
		}
		if n == 0 && err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		return nil, fmt.Errorf("reading control stream: %w", err)
	}
	if total == maxCommand {
		return nil, fmt.Errorf("command exceeds %d bytes", maxCommand-1)
	}
	return parseCommand(buf[:total])
}

// parseCommand splits the control blob into the argument vector. The blob
// is a sequence of NUL-delimited strings, the first being the program
// name; a single trailing NUL terminates the final argument.
func parseCommand(blob []byte) ([]string, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty command")
	}
	s := string(blob)
	s = strings.TrimSuffix(s, "\x00")
	argv := strings.Split(s, "\x00")
	if argv[0] == "" {
		return nil, errors.New("command has no program name")
	}
	if len(argv) > maxArgs {
		return nil, fmt.Errorf("command has %d arguments, limit is %d", len(argv), maxArgs)
	}
	return argv, nil
}
