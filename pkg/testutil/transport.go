package testutil

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ControlFrame is a control frame captured by FakeTransport.
type ControlFrame struct {
	Type   int
	Code   int
	Reason string
}

type inbound struct {
	messageType int
	data        []byte
	err         error
}

// FakeTransport is an in-memory stand-in for *websocket.Conn. It records
// written data and control frames and lets tests push inbound frames.
type FakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	controls  []ControlFrame
	writeErr  error
	closed    bool
	closeOnce sync.Once

	incoming chan inbound
	closedCh chan struct{}
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		incoming: make(chan inbound, 32),
		closedCh: make(chan struct{}),
	}
}

// FailWrites makes every subsequent WriteMessage return err.
func (f *FakeTransport) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *FakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case in := <-f.incoming:
		return in.messageType, in.data, in.err
	case <-f.closedCh:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "transport closed"}
	}
}

func (f *FakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *FakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	frame := ControlFrame{Type: messageType}
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		frame.Code = int(binary.BigEndian.Uint16(data[:2]))
		frame.Reason = string(data[2:])
	}
	f.controls = append(f.controls, frame)
	return nil
}

func (f *FakeTransport) SetWriteDeadline(time.Time) error {
	return nil
}

func (f *FakeTransport) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.closedCh)
	})
	return nil
}

// Deliver queues a text frame for the next ReadMessage call.
func (f *FakeTransport) Deliver(data string) {
	f.incoming <- inbound{messageType: websocket.TextMessage, data: []byte(data)}
}

// Hangup simulates the peer closing the connection normally.
func (f *FakeTransport) Hangup() {
	f.incoming <- inbound{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
}

// Frames returns a copy of every data frame written so far.
func (f *FakeTransport) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

// CloseFrames returns the close frames written so far.
func (f *FakeTransport) CloseFrames() []ControlFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ControlFrame
	for _, c := range f.controls {
		if c.Type == websocket.CloseMessage {
			out = append(out, c)
		}
	}
	return out
}

// IsClosed reports whether Close has been called.
func (f *FakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ErrFakeWrite is a convenience error for FailWrites.
var ErrFakeWrite = errors.New("fake write failure")
