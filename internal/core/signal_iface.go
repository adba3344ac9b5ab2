package core

// Frame is one JSON text message on a websocket.
type Frame []byte

// SignalConnection is a buffered websocket writer: the backend control
// channel and every host event stream. TrySend never blocks; a full buffer
// is reported as an error. The adapter that created it must Close it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
