package daemon

import (
	"fmt"
	"os"
	"os/signal"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// sigChan delivers SIGCHLD to the event loop as descriptor readiness.
//
// The Go runtime owns the process signal mask, so a signalfd cannot be
// used directly; instead signals arrive on an os/signal channel and a pump
// goroutine tickles a non-blocking self-pipe whose read end is registered
// in epoll. Each received signal adds one pending byte (until the pipe is
// full); drain consumes them all before a single reap, so several signals
// collapse into one wakeup of the reaper.
type sigChan struct {
	log *zap.SugaredLogger
	r    int
	w    int
	ch   chan os.Signal
	done chan struct{}
}

func newSigChan(log *zap.SugaredLogger) (*sigChan, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("creating signal pipe: %w", err)
	}
	s := &sigChan{
		log:  log,
		r:    fds[0],
		w:    fds[1],
		ch:   make(chan os.Signal, 16),
		done: make(chan struct{}),
	}
	signal.Notify(s.ch, unix.SIGCHLD)
	go s.pump()
	return s, nil
}

func (s *sigChan) pump() {
	defer close(s.done)
	for range s.ch {
		_, err := unix.Write(s.w, []byte{0})
		if err != nil && err != unix.EAGAIN {
			// EAGAIN means a wakeup is already pending, which is all we
			// need; anything else here is unexpected.
			s.log.Errorw("signal pipe write failed", "err", err)
		}
	}
}

// drain consumes every pending wakeup byte.
func (s *sigChan) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(s.r, buf[:])
		if n > 0 {
			continue
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			s.log.Errorw("signal pipe read failed", "err", err)
		}
		return
	}
}

func (s *sigChan) close() {
	signal.Stop(s.ch)
	close(s.ch)
	<-s.done
	unix.Close(s.r)
	unix.Close(s.w)
}
