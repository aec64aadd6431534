package reactor

import "os"

// Chunk is one entry in an IO's write queue: either an owned byte slice or
// a file range. Once enqueued the queue owns the chunk until its
// deallocator has run exactly once.
type Chunk struct {
	Data []byte

	File *os.File
	Off  int64
	N    int64

	Dealloc func()
}

func (c *Chunk) isFile() bool { return c.File != nil }

func (c *Chunk) remaining() int64 {
	if c.isFile() {
		return c.N
	}
	return int64(len(c.Data))
}

// release runs the deallocator at most once.
func (c *Chunk) release() {
	if c.Dealloc != nil {
		d := c.Dealloc
		c.Dealloc = nil
		d()
	}
	c.Data = nil
	c.File = nil
}

// WriteOpts controls ownership and framing of a queued write.
type WriteOpts struct {
	// Copy duplicates the buffer before Write returns; the caller keeps
	// ownership of its slice and any Dealloc runs immediately.
	Copy bool
	// Dealloc runs exactly once when the queue is done with the chunk.
	Dealloc func()
	// Finish marks this chunk as the last: once drained the IO closes.
	Finish bool
}
