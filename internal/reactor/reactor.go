package reactor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/irgordon/strand/internal/poller"
)

const (
	defaultWriteBudget = 1 << 20 // bytes flushed per IO per tick
	defaultDeferBudget = 1024    // deferred tasks drained per tick
	defaultDrainWindow = 5 * time.Second
	maxPollInterval    = 500 * time.Millisecond
)

// Options configure a Reactor.
type Options struct {
	Logger      *slog.Logger
	WriteBudget int
	DeferBudget int
	// DrainWindow bounds how long graceful shutdown waits for connections
	// to say goodbye before force-closing survivors.
	DrainWindow time.Duration
}

// Reactor is the single IO goroutine: it binds poller results to IO
// objects, drains deferred tasks, enforces timeouts and orchestrates
// shutdown.
type Reactor struct {
	log *slog.Logger
	p   poller.Poller

	iomu sync.Mutex
	ios  map[int]*IO

	wakeR, wakeW int
	dmu          sync.Mutex
	tasks        []func()
	wakePending  bool

	start    time.Time
	clock    int64 // seconds since start
	lastTick int64
	wheel    timerWheel

	writeBudget int
	deferBudget int
	drainWindow time.Duration

	shuttingDown bool
	shutdownAt   int64
	stopped      chan struct{}
}

// New builds a reactor with its poller and wake pipe.
func New(opts Options) (*Reactor, error) {
	p, err := poller.New()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		_ = p.Close()
		return nil, err
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	if err := p.Add(fds[0]); err != nil {
		_ = p.Close()
		return nil, err
	}
	r := &Reactor{
		log:         opts.Logger,
		p:           p,
		ios:         make(map[int]*IO),
		wakeR:       fds[0],
		wakeW:       fds[1],
		start:       time.Now(),
		writeBudget: opts.WriteBudget,
		deferBudget: opts.DeferBudget,
		drainWindow: opts.DrainWindow,
		stopped:     make(chan struct{}),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.writeBudget <= 0 {
		r.writeBudget = defaultWriteBudget
	}
	if r.deferBudget <= 0 {
		r.deferBudget = defaultDeferBudget
	}
	if r.drainWindow <= 0 {
		r.drainWindow = defaultDrainWindow
	}
	return r, nil
}

// Now returns the coarse reactor clock in seconds since start. Safe from
// any goroutine.
func (r *Reactor) Now() int64 { return atomic.LoadInt64(&r.clock) }

// Attach transfers descriptor ownership to the reactor: the fd is made
// non-blocking, registered for reads and bound to proto.
func (r *Reactor) Attach(fd int, proto Protocol, udata any) (*IO, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	io := &IO{
		fd:      fd,
		r:       r,
		proto:   proto,
		udata:   udata,
		touched: r.Now(),
		refs:    1,
	}
	if err := r.p.Add(fd); err != nil {
		return nil, err
	}
	r.iomu.Lock()
	r.ios[fd] = io
	r.iomu.Unlock()
	return io, nil
}

// AttachListener registers an accept socket: readability is handed to
// the protocol directly instead of being drained into the accumulator.
func (r *Reactor) AttachListener(fd int, proto Protocol, udata any) (*IO, error) {
	io, err := r.Attach(fd, proto, udata)
	if err != nil {
		return nil, err
	}
	io.listener = true
	return io, nil
}

// AttachTransform is Attach with a stream transform (TLS et al) in front
// of the descriptor.
func (r *Reactor) AttachTransform(fd int, proto Protocol, udata any, tf StreamTransform) (*IO, error) {
	io, err := r.Attach(fd, proto, udata)
	if err != nil {
		return nil, err
	}
	io.tf = tf
	return io, nil
}

func (r *Reactor) lookup(fd int) *IO {
	r.iomu.Lock()
	io := r.ios[fd]
	r.iomu.Unlock()
	return io
}

func (r *Reactor) openCount() int {
	r.iomu.Lock()
	n := len(r.ios)
	r.iomu.Unlock()
	return n
}

// Defer schedules fn on the reactor goroutine; safe from any goroutine.
func (r *Reactor) Defer(fn func()) {
	r.dmu.Lock()
	r.tasks = append(r.tasks, fn)
	wake := !r.wakePending
	r.wakePending = true
	r.dmu.Unlock()
	if wake {
		_, _ = unix.Write(r.wakeW, []byte{1})
	}
}

func (r *Reactor) runDeferred() {
	for budget := r.deferBudget; budget > 0; budget-- {
		r.dmu.Lock()
		if len(r.tasks) == 0 {
			r.wakePending = false
			r.dmu.Unlock()
			return
		}
		fn := r.tasks[0]
		r.tasks = r.tasks[1:]
		r.dmu.Unlock()
		fn()
	}
}

func (r *Reactor) tickClock() {
	atomic.StoreInt64(&r.clock, int64(time.Since(r.start)/time.Second))
}

// Shutdown initiates graceful teardown: every protocol gets OnShutdown,
// then connections are granted the drain window before being forced shut.
// Safe from any goroutine (signal handlers included).
func (r *Reactor) Shutdown() {
	r.Defer(func() {
		if r.shuttingDown {
			return
		}
		r.shuttingDown = true
		r.shutdownAt = r.clock
		r.iomu.Lock()
		ios := make([]*IO, 0, len(r.ios))
		for _, io := range r.ios {
			ios = append(ios, io)
		}
		r.iomu.Unlock()
		r.log.Info("shutting down", "connections", len(ios))
		for _, io := range ios {
			if io.state != ioClosed {
				io.proto.OnShutdown(io)
			}
		}
	})
}

// Done is closed once Run returns.
func (r *Reactor) Done() <-chan struct{} { return r.stopped }

// Run drives the event loop until shutdown completes. Per tick: poll with
// a bounded timeout, dispatch readiness, flush writes, drain deferred
// tasks, expire timers.
func (r *Reactor) Run() error {
	defer close(r.stopped)
	defer r.teardown()
	for {
		evs, err := r.p.Wait(maxPollInterval)
		if err != nil {
			if err == poller.ErrClosed {
				return nil
			}
			return err
		}
		r.tickClock()
		for _, ev := range evs {
			if ev.FD == r.wakeR {
				r.drainWakePipe()
				continue
			}
			io := r.lookup(ev.FD)
			if io == nil || io.state == ioClosed {
				continue
			}
			if ev.Writable {
				io.flush()
			}
			if io.state == ioClosed {
				continue
			}
			if ev.Readable {
				r.dispatchRead(io)
			} else if ev.HUP {
				io.Close()
			}
		}
		r.runDeferred()
		if r.clock > r.lastTick {
			r.wheel.advance(r, r.lastTick, r.clock)
			r.lastTick = r.clock
		}
		if r.shuttingDown {
			if r.openCount() == 0 {
				return nil
			}
			if float64(r.clock-r.shutdownAt) >= r.drainWindow.Seconds() {
				r.forceCloseAll()
				return nil
			}
		}
	}
}

func (r *Reactor) drainWakePipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// dispatchRead pulls bytes off the kernel and hands them to the protocol.
func (r *Reactor) dispatchRead(io *IO) {
	if io.suspended {
		return
	}
	if io.listener {
		io.proto.OnData(io)
		return
	}
	n, err := io.fill()
	switch {
	case err == ErrWouldBlock:
		return
	case err != nil:
		// reset / broken pipe / bad fd: surface through OnClose only.
		io.discardQueue()
		r.finalize(io)
		return
	case n == 0:
		// EOF. Let queued writes drain, then close.
		io.Close()
		return
	}
	io.Touch()
	if io.state == ioOpen {
		io.proto.OnData(io)
	}
}

// fireTimeout runs timeout policy for one IO. Closing IOs that outlive
// their drain grace are forced shut; open IOs get the protocol callback.
func (r *Reactor) fireTimeout(io *IO) {
	if io.state == ioClosing {
		io.discardQueue()
		r.finalize(io)
		return
	}
	if io.timeout == 0 || r.clock-io.touched < int64(io.timeout) {
		return
	}
	io.proto.OnTimeout(io)
}

// finalize tears the IO down: deregister, close the descriptor, release
// remaining chunks, fire OnClose exactly once.
func (r *Reactor) finalize(io *IO) {
	if io.state == ioClosed {
		return
	}
	io.state = ioClosed
	r.iomu.Lock()
	delete(r.ios, io.fd)
	r.iomu.Unlock()
	_ = r.p.Remove(io.fd)
	io.discardQueue()
	if io.tf != nil {
		_ = io.tf.Close()
	} else {
		_ = unix.Close(io.fd)
	}
	io.closeOnce.Do(func() { io.proto.OnClose(io) })
	io.Free()
}

func (r *Reactor) forceCloseAll() {
	r.iomu.Lock()
	ios := make([]*IO, 0, len(r.ios))
	for _, io := range r.ios {
		ios = append(ios, io)
	}
	r.iomu.Unlock()
	for _, io := range ios {
		io.discardQueue()
		r.finalize(io)
	}
}

func (r *Reactor) teardown() {
	r.forceCloseAll()
	_ = unix.Close(r.wakeR)
	_ = unix.Close(r.wakeW)
	_ = r.p.Close()
}
