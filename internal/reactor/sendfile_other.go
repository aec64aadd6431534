//go:build !linux

package reactor

// sendfile on platforms without a uniform kernel primitive: bounded
// read-then-send through a scratch buffer.
func sendfile(io *IO, head *Chunk, limit int64) (int64, error) {
	return copyFileChunk(io, head, limit)
}
