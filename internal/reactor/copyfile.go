package reactor

import "golang.org/x/sys/unix"

const fileCopyChunk = 64 * 1024

// copyFileChunk is the portable file-range sender: read a bounded window
// at the chunk offset, write it to the socket (or transform).
func copyFileChunk(io *IO, head *Chunk, limit int64) (int64, error) {
	if limit > fileCopyChunk {
		limit = fileCopyChunk
	}
	buf := make([]byte, limit)
	rn, err := head.File.ReadAt(buf, head.Off)
	if rn == 0 && err != nil {
		return 0, err
	}
	var wn int
	if io.tf != nil {
		wn, err = io.tf.Write(buf[:rn])
	} else {
		wn, err = unix.Write(io.fd, buf[:rn])
	}
	if wn < 0 {
		wn = 0
	}
	return int64(wn), mapWriteErr(err)
}
