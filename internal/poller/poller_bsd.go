//go:build darwin || freebsd || dragonfly

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq     int
	events []unix.Kevent_t
	out    []Event
	closed bool
}

// New returns the kqueue-backed poller.
func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{
		kq:     kq,
		events: make([]unix.Kevent_t, maxEvents),
		out:    make([]Event, 0, maxEvents),
	}, nil
}

func (p *kqueuePoller) Wait(timeout time.Duration) ([]Event, error) {
	if p.closed {
		return nil, ErrClosed
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	p.out = p.out[:0]
	for i := 0; i < n; i++ {
		ev := p.events[i]
		p.out = append(p.out, Event{
			FD:       int(ev.Ident),
			Readable: ev.Filter == unix.EVFILT_READ,
			Writable: ev.Filter == unix.EVFILT_WRITE,
			HUP:      ev.Flags&unix.EV_EOF != 0,
		})
	}
	return p.out, nil
}

func (p *kqueuePoller) change(fd int, filter int16, flags uint16) error {
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}}, nil, nil)
	if err == unix.EBADF {
		return ErrBadFD
	}
	return err
}

func (p *kqueuePoller) Add(fd int) error {
	return p.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
}

func (p *kqueuePoller) ArmWrite(fd int, on bool) error {
	if on {
		return p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
	}
	err := p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) Remove(fd int) error {
	// kqueue drops filters automatically when the descriptor closes;
	// delete explicitly so a recycled fd does not inherit interest.
	_ = p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
	_ = p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (p *kqueuePoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unix.Close(p.kq)
}
