package reactor

// Protocol is the callback bundle bound to one IO. At most one callback
// runs at a time for a given IO; the reactor serializes dispatch.
// Swapping the protocol of a live IO (the upgrade point) happens only
// between dispatches, on the reactor goroutine.
type Protocol interface {
	// OnData fires when buffered input is available via IO.Input.
	OnData(io *IO)
	// OnReady fires when the write queue fully drained.
	OnReady(io *IO)
	// OnTimeout fires when the IO saw no activity for its timeout.
	OnTimeout(io *IO)
	// OnClose is the last callback an IO ever receives.
	OnClose(io *IO)
	// OnShutdown fires once per IO when the reactor begins shutdown.
	OnShutdown(io *IO)
}

// ProtocolDefaults is an embeddable base: timeouts close the connection,
// everything else is a no-op.
type ProtocolDefaults struct{}

func (ProtocolDefaults) OnData(*IO)          {}
func (ProtocolDefaults) OnReady(*IO)         {}
func (ProtocolDefaults) OnTimeout(io *IO)    { io.Close() }
func (ProtocolDefaults) OnClose(*IO)         {}
func (ProtocolDefaults) OnShutdown(*IO)      {}

// StreamTransform lets a TLS (or other) layer interpose on the byte
// stream. The core treats it as opaque: read, write, close.
type StreamTransform interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
