package reactor

// timerWheel is a 256-bucket seconds wheel. Entries are lazy: a bucket
// slot holds IOs whose deadline *may* land on that second; on expiry the
// real deadline (touched + timeout) is re-checked and the entry either
// fires or is pushed forward.
type timerWheel struct {
	buckets [256][]*IO
}

func (w *timerWheel) insert(io *IO, at int64) {
	slot := at & 255
	w.buckets[slot] = append(w.buckets[slot], io)
	io.inWheel = true
}

// scheduleTimer inserts an IO into the wheel at its current deadline.
// Reactor goroutine only; no-op when already scheduled or disabled.
func (r *Reactor) scheduleTimer(io *IO) {
	if io.inWheel || io.timeout == 0 || io.state == ioClosed {
		return
	}
	r.wheel.insert(io, io.touched+int64(io.timeout))
}

// advance walks every second in (from, to] and dispatches expirations.
func (w *timerWheel) advance(r *Reactor, from, to int64) {
	if to-from > 256 {
		from = to - 256
	}
	for s := from + 1; s <= to; s++ {
		slot := s & 255
		entries := w.buckets[slot]
		w.buckets[slot] = nil
		for _, io := range entries {
			io.inWheel = false
			if io.state == ioClosed || io.timeout == 0 {
				continue
			}
			deadline := io.touched + int64(io.timeout)
			if deadline > to {
				w.insert(io, deadline)
				continue
			}
			r.fireTimeout(io)
			if io.state != ioClosed && io.timeout > 0 && !io.inWheel {
				io.touched = r.clock
				w.insert(io, io.touched+int64(io.timeout))
			}
		}
	}
}
