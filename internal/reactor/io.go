package reactor

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	ioOpen uint8 = iota
	ioClosing
	ioClosed
)

const (
	readChunk      = 16 * 1024
	closeDrainSecs = 1 // grace for flushing queued writes on graceful close
)

var (
	// ErrIOClosed is returned for writes on a closing or closed IO.
	ErrIOClosed = errors.New("reactor: io closed")
	// ErrWouldBlock reports a drained kernel buffer.
	ErrWouldBlock = errors.New("reactor: would block")
)

// IO represents one connection endpoint: descriptor, protocol binding,
// read accumulator, ordered write queue, activity clock and state flags.
// All fields except the write queue are touched only from the reactor
// goroutine; the write queue admits enqueues from any goroutine.
type IO struct {
	fd    int
	r     *Reactor
	proto Protocol
	udata any
	tf    StreamTransform

	rbuf      []byte
	suspended bool
	listener  bool // readiness is delivered raw, no kernel reads

	mu       sync.Mutex
	wq       []Chunk
	wqSealed bool // no further writes admitted
	finish   bool // close once drained

	state     uint8
	timeout   uint8
	touched   int64 // reactor clock seconds at last activity
	inWheel   bool
	closeOnce sync.Once

	refs int32
}

// FD returns the underlying descriptor.
func (io *IO) FD() int { return io.fd }

// Reactor returns the owning reactor.
func (io *IO) Reactor() *Reactor { return io.r }

// Protocol returns the current protocol binding.
func (io *IO) Protocol() Protocol { return io.proto }

// SetProtocol swaps the protocol binding. Only legal between dispatches,
// on the reactor goroutine (the upgrade point).
func (io *IO) SetProtocol(p Protocol) { io.proto = p }

// UData returns the opaque user datum.
func (io *IO) UData() any { return io.udata }

// SetUData replaces the opaque user datum.
func (io *IO) SetUData(v any) { io.udata = v }

// SetTimeout sets the inactivity timeout in seconds (0 disables).
func (io *IO) SetTimeout(seconds uint8) {
	io.r.Defer(func() {
		io.timeout = seconds
		io.touched = io.r.clock
		if seconds > 0 {
			// Insert a fresh entry so a shorter timeout takes effect now;
			// an older entry is re-checked lazily when its slot comes up.
			io.inWheel = false
			io.r.scheduleTimer(io)
		}
	})
}

// Touch resets the inactivity clock. Reactor goroutine only.
func (io *IO) Touch() { io.touched = io.r.clock }

// IsOpen reports whether the IO still accepts traffic.
func (io *IO) IsOpen() bool { return io.state == ioOpen }

// Dup increments the reference count.
func (io *IO) Dup() *IO {
	atomic.AddInt32(&io.refs, 1)
	return io
}

// Free decrements the reference count. The IO is destroyed when the count
// reaches zero and the state is closed.
func (io *IO) Free() {
	if atomic.AddInt32(&io.refs, -1) > 0 {
		return
	}
	// Descriptor and queue were torn down in finalize; nothing owned here.
}

// Input returns the accumulated, unconsumed read bytes. The slice is only
// valid until the next Consume or dispatch.
func (io *IO) Input() []byte { return io.rbuf }

// Consume discards the first n bytes of the read accumulator.
func (io *IO) Consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(io.rbuf) {
		io.rbuf = io.rbuf[:0]
		return
	}
	remain := copy(io.rbuf, io.rbuf[n:])
	io.rbuf = io.rbuf[:remain]
}

// Suspend disarms reads (e.g. while spilling a large body).
func (io *IO) Suspend() { io.suspended = true }

// Resume re-arms reads; any bytes accumulated meanwhile are redelivered.
func (io *IO) Resume() {
	io.suspended = false
	if len(io.rbuf) > 0 {
		io.r.Defer(func() {
			if io.state != ioClosed && !io.suspended {
				io.proto.OnData(io)
			}
		})
	}
}

// fill reads once from the kernel into the accumulator.
// Returns the byte count; 0 with nil error means EOF.
func (io *IO) fill() (int, error) {
	if len(io.rbuf)+readChunk > cap(io.rbuf) {
		grown := make([]byte, len(io.rbuf), cap(io.rbuf)+readChunk)
		copy(grown, io.rbuf)
		io.rbuf = grown
	}
	spare := io.rbuf[len(io.rbuf) : len(io.rbuf)+readChunk]
	var n int
	var err error
	if io.tf != nil {
		n, err = io.tf.Read(spare)
	} else {
		n, err = unix.Read(io.fd, spare)
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	io.rbuf = io.rbuf[:len(io.rbuf)+n]
	return n, nil
}

// Write appends an owned (or copied) byte chunk to the write queue.
// Safe to call from any goroutine.
func (io *IO) Write(data []byte, opts WriteOpts) error {
	c := Chunk{Data: data, Dealloc: opts.Dealloc}
	if opts.Copy {
		c.Data = append([]byte(nil), data...)
		c.Dealloc = nil
		if opts.Dealloc != nil {
			opts.Dealloc()
		}
	}
	return io.enqueue(c, opts.Finish)
}

// WriteFile appends a file range to the write queue; ownership of the
// *os.File passes to the queue and is released with the chunk.
func (io *IO) WriteFile(f *os.File, off, n int64, opts WriteOpts) error {
	c := Chunk{File: f, Off: off, N: n, Dealloc: opts.Dealloc}
	if c.Dealloc == nil {
		c.Dealloc = func() { _ = f.Close() }
	}
	return io.enqueue(c, opts.Finish)
}

func (io *IO) enqueue(c Chunk, finish bool) error {
	io.mu.Lock()
	if io.wqSealed {
		io.mu.Unlock()
		c.release()
		return ErrIOClosed
	}
	io.wq = append(io.wq, c)
	if finish {
		io.finish = true
		io.wqSealed = true
	}
	io.mu.Unlock()
	io.r.Defer(func() { io.flush() })
	return nil
}

// discardQueue releases every queued chunk without writing it.
func (io *IO) discardQueue() {
	io.mu.Lock()
	q := io.wq
	io.wq = nil
	io.wqSealed = true
	io.mu.Unlock()
	for i := range q {
		q[i].release()
	}
}

// flush drains the write queue toward the kernel under the reactor's
// per-tick byte budget. Reactor goroutine only.
func (io *IO) flush() {
	if io.state == ioClosed {
		return
	}
	budget := io.r.writeBudget
	for budget > 0 {
		io.mu.Lock()
		if len(io.wq) == 0 {
			io.mu.Unlock()
			break
		}
		head := io.wq[0]
		io.mu.Unlock()

		var n int64
		var err error
		if head.isFile() {
			n, err = io.sendFileChunk(&head, budget)
		} else {
			n, err = io.sendDataChunks(budget)
		}
		if n > 0 {
			io.Touch()
			budget -= int(n)
			io.advanceQueue(n)
		}
		if err != nil {
			if err == ErrWouldBlock {
				_ = io.r.p.ArmWrite(io.fd, true)
				return
			}
			// Fatal write error: discard what is left and tear down.
			io.r.log.Warn("write failed, closing connection", "fd", io.fd, "error", err)
			io.discardQueue()
			io.r.finalize(io)
			return
		}
	}

	io.mu.Lock()
	empty := len(io.wq) == 0
	finish := io.finish
	io.mu.Unlock()

	if !empty {
		// Budget exhausted; stay armed, the next tick continues.
		_ = io.r.p.ArmWrite(io.fd, true)
		return
	}
	_ = io.r.p.ArmWrite(io.fd, false)
	if finish || io.state == ioClosing {
		io.r.finalize(io)
		return
	}
	io.proto.OnReady(io)
}

// sendDataChunks gathers leading byte chunks into one writev call.
func (io *IO) sendDataChunks(budget int) (int64, error) {
	io.mu.Lock()
	iovs := make([][]byte, 0, 8)
	total := 0
	for i := 0; i < len(io.wq) && len(iovs) < 8 && total < budget; i++ {
		if io.wq[i].isFile() {
			break
		}
		iovs = append(iovs, io.wq[i].Data)
		total += len(io.wq[i].Data)
	}
	io.mu.Unlock()
	if len(iovs) == 0 {
		return 0, nil
	}
	if io.tf != nil {
		n, err := io.tf.Write(iovs[0])
		return int64(n), mapWriteErr(err)
	}
	n, err := unix.Writev(io.fd, iovs)
	if n < 0 {
		n = 0
	}
	return int64(n), mapWriteErr(err)
}

// sendFileChunk pushes part of a queued file range to the socket.
func (io *IO) sendFileChunk(head *Chunk, budget int) (int64, error) {
	limit := head.N
	if int64(budget) < limit {
		limit = int64(budget)
	}
	return sendfile(io, head, limit)
}

// advanceQueue pops n written bytes off the queue head, releasing chunks
// as they complete. Only the reactor pops; enqueuers only append.
func (io *IO) advanceQueue(n int64) {
	io.mu.Lock()
	defer io.mu.Unlock()
	for n > 0 && len(io.wq) > 0 {
		head := &io.wq[0]
		r := head.remaining()
		if n < r {
			if head.isFile() {
				head.Off += n
				head.N -= n
			} else {
				head.Data = head.Data[n:]
			}
			return
		}
		n -= r
		head.release()
		io.wq = io.wq[1:]
	}
}

// Close transitions to closing: queued writes get a bounded drain window,
// then the descriptor closes and OnClose fires exactly once.
// Safe to call from any goroutine; idempotent.
func (io *IO) Close() {
	io.r.Defer(func() {
		if io.state != ioOpen {
			return
		}
		io.state = ioClosing
		io.mu.Lock()
		io.wqSealed = true
		pending := len(io.wq) > 0
		io.mu.Unlock()
		if !pending {
			io.r.finalize(io)
			return
		}
		// Bounded drain: the timer wheel force-finalizes closing IOs.
		io.timeout = closeDrainSecs
		io.touched = io.r.clock
		io.r.scheduleTimer(io)
		io.flush()
	})
}

func mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return ErrWouldBlock
	}
	return err
}
