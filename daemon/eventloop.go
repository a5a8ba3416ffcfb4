package daemon

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type tagKind int

const (
	tagSocket tagKind = iota
	tagSignal
	tagStream
)

// tag identifies the owner of a registered file descriptor: the control
// socket, the signal channel, or one stream of one process.
type tag struct {
	kind tagKind
	pb   *pipeBuf // set when kind == tagStream
}

// eventLoop wraps an epoll instance. Registrations carry a typed tag
// instead of a raw pointer in the epoll payload; dispatch looks the tag up
// by fd, so a descriptor must always be deregistered before it is closed.
type eventLoop struct {
	log  *zap.SugaredLogger
	epfd int
	tags map[int32]tag
}

func newEventLoop(log *zap.SugaredLogger) (*eventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating epoll instance: %w", err)
	}
	return &eventLoop{
		log:  log,
		epfd: epfd,
		tags: make(map[int32]tag),
	}, nil
}

// register adds fd to the interest set. A descriptor may be registered at
// most once.
func (l *eventLoop) register(fd int, events uint32, t tag) error {
	if _, ok := l.tags[int32(fd)]; ok {
		return fmt.Errorf("fd %d is already registered", fd)
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("adding fd %d to epoll: %w", fd, err)
	}
	l.tags[int32(fd)] = t
	l.log.Debugw("registered", "fd", fd, "events", events)
	return nil
}

func (l *eventLoop) deregister(fd int) error {
	if _, ok := l.tags[int32(fd)]; !ok {
		return fmt.Errorf("fd %d is not registered", fd)
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("removing fd %d from epoll: %w", fd, err)
	}
	delete(l.tags, int32(fd))
	l.log.Debugw("deregistered", "fd", fd)
	return nil
}

// lookup resolves an event's fd to its tag. A miss means the descriptor
// was deregistered by an earlier event in the same batch.
func (l *eventLoop) lookup(fd int32) (tag, bool) {
	t, ok := l.tags[fd]
	return t, ok
}

// wait blocks until at least one registered descriptor is ready. EINTR is
// retried; any other error is fatal to the caller.
func (l *eventLoop) wait(events []unix.EpollEvent) (int, error) {
	for {
		n, err := unix.EpollWait(l.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("waiting for events: %w", err)
		}
		return n, nil
	}
}

func (l *eventLoop) close() {
	unix.Close(l.epfd)
}
