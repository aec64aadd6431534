//go:build linux

package reactor

import "golang.org/x/sys/unix"

// sendfile pushes up to limit bytes of the chunk's file range without
// copying through user space. Transformed streams cannot use the kernel
// path and fall back to read-then-send.
func sendfile(io *IO, head *Chunk, limit int64) (int64, error) {
	if io.tf != nil {
		return copyFileChunk(io, head, limit)
	}
	off := head.Off
	n, err := unix.Sendfile(io.fd, int(head.File.Fd()), &off, int(limit))
	if n < 0 {
		n = 0
	}
	return int64(n), mapWriteErr(err)
}
