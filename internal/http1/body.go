package http1

import (
	"io"
	"os"

	"github.com/google/uuid"
)

// Body accumulates request payload in memory up to a threshold, then
// spills to a temp file. The file's path is unlinked immediately after
// open, so the bytes live only as long as the handle.
type Body struct {
	mem       []byte
	file      *os.File
	size      int64
	cursor    int64
	threshold int64
	discard   bool
}

func newBody(threshold int64) *Body {
	if threshold <= 0 {
		threshold = 128 * 1024
	}
	return &Body{threshold: threshold}
}

// Write appends payload bytes, spilling past the threshold.
func (b *Body) Write(p []byte) error {
	if b.discard {
		b.size += int64(len(p))
		return nil
	}
	if b.file == nil && b.size+int64(len(p)) <= b.threshold {
		b.mem = append(b.mem, p...)
		b.size += int64(len(p))
		return nil
	}
	if b.file == nil {
		f, err := os.CreateTemp("", "strand-body-"+uuid.NewString())
		if err != nil {
			return err
		}
		// Unlink right away: the descriptor is the only handle.
		_ = os.Remove(f.Name())
		if len(b.mem) > 0 {
			if _, err := f.Write(b.mem); err != nil {
				_ = f.Close()
				return err
			}
			b.mem = nil
		}
		b.file = f
	}
	if _, err := b.file.Write(p); err != nil {
		return err
	}
	b.size += int64(len(p))
	return nil
}

// Len returns the total payload size in bytes.
func (b *Body) Len() int64 { return b.size }

// Seek repositions the read cursor.
func (b *Body) Seek(offset int64, whence int) (int64, error) {
	var at int64
	switch whence {
	case io.SeekStart:
		at = offset
	case io.SeekCurrent:
		at = b.cursor + offset
	case io.SeekEnd:
		at = b.size + offset
	default:
		return 0, os.ErrInvalid
	}
	if at < 0 {
		return 0, os.ErrInvalid
	}
	b.cursor = at
	return at, nil
}

// Read fills p from the cursor, transparently from memory or spill file.
func (b *Body) Read(p []byte) (int, error) {
	if b.cursor >= b.size {
		return 0, io.EOF
	}
	if b.file != nil {
		n, err := b.file.ReadAt(p, b.cursor)
		b.cursor += int64(n)
		if err == io.EOF && n > 0 {
			err = nil
		}
		return n, err
	}
	n := copy(p, b.mem[b.cursor:])
	b.cursor += int64(n)
	return n, nil
}

// Bytes returns a window of up to n bytes from the cursor, in memory.
func (b *Body) Bytes(n int64) ([]byte, error) {
	if n < 0 || b.cursor+n > b.size {
		n = b.size - b.cursor
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]byte, n)
	read, err := b.Read(out)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return out[:read], nil
}

// Close releases the spill file, if any.
func (b *Body) Close() {
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	b.mem = nil
}
