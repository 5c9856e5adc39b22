package jazz

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

type connectionEvents struct {
	connected     chan *Connection
	connectFailed chan error
	failed        chan error
	messages      chan Frame
	reconnecting  chan time.Duration
}

func newConnectionEvents() (*connectionEvents, *ConnectionCallbacks) {
	events := &connectionEvents{
		connected:     make(chan *Connection, 16),
		connectFailed: make(chan error, 16),
		failed:        make(chan error, 16),
		messages:      make(chan Frame, 64),
		reconnecting:  make(chan time.Duration, 16),
	}
	callbacks := &ConnectionCallbacks{
		Connected: func(conn *Connection) {
			events.connected <- conn
		},
		ConnectFailed: func(err error) {
			events.connectFailed <- err
		},
		Errored: func(err error) {
			events.failed <- err
		},
		Closed: func(err error) {
			events.failed <- err
		},
		Message: func(frame Frame) {
			events.messages <- frame
		},
		Reconnecting: func(err error, delay time.Duration) {
			events.reconnecting <- delay
		},
	}
	return events, callbacks
}

func testConnectionSettings() *ConnectionSettings {
	settings := DefaultConnectionSettings()
	settings.WsHandshakeTimeout = testTimeout
	return settings
}

// an endpoint with nothing listening
func closedEndpoint(t *testing.T) string {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Equal(t, err, nil)
	addr := listener.Addr().String()
	listener.Close()
	return "ws://" + addr + "/jazz"
}

func TestConnectionUp(t *testing.T) {
	coordinator := newTestCoordinator(t, "/jazz", false)
	events, callbacks := newConnectionEvents()
	conn := NewConnection(context.Background(), coordinator.Endpoint(), callbacks, testConnectionSettings())
	defer conn.Close()

	// the manager does no queueing of its own
	assert.Equal(t, conn.Send(Partial{"early": true}), ErrNotConnected)
	assert.NotEqual(t, conn.State(), ConnectionStateUp)

	coordinator.Open()

	select {
	case c := <-events.connected:
		assert.Equal(t, c, conn)
	case <-time.After(testTimeout):
		t.Fatal("not connected")
	}
	assert.Equal(t, conn.State(), ConnectionStateUp)
	coordinator.WaitAccepted()

	assert.Equal(t, conn.Send(Partial{"a": 1}), nil)
	frame := coordinator.NextFrame()
	assert.Equal(t, frame.messageType, websocket.TextMessage)
	assert.Equal(t, string(frame.data), `{"a":1}`)

	coordinator.Broadcast(websocket.TextMessage, []byte(`{"b":2}`))
	coordinator.Broadcast(websocket.BinaryMessage, []byte{1, 2, 3})
	for _, expected := range []Frame{
		{MessageType: websocket.TextMessage, Data: []byte(`{"b":2}`)},
		{MessageType: websocket.BinaryMessage, Data: []byte{1, 2, 3}},
	} {
		select {
		case frame := <-events.messages:
			assert.Equal(t, frame, expected)
		case <-time.After(testTimeout):
			t.Fatal("no message")
		}
	}

	// connected fires once per link
	select {
	case <-events.connected:
		t.Fatal("connected twice")
	default:
	}
}

func TestConnectionCloseDrains(t *testing.T) {
	coordinator := newTestCoordinator(t, "/jazz", true)
	events, callbacks := newConnectionEvents()
	conn := NewConnection(context.Background(), coordinator.Endpoint(), callbacks, testConnectionSettings())

	<-events.connected
	coordinator.WaitAccepted()

	assert.Equal(t, conn.Send(Partial{"last": true}), nil)
	conn.Close()

	frame := coordinator.NextFrame()
	assert.Equal(t, string(frame.data), `{"last":true}`)

	<-conn.Done()
	assert.Equal(t, conn.State(), ConnectionStateClosed)
	assert.Equal(t, conn.Send(Partial{"x": 1}), ErrNotConnected)

	select {
	case err := <-events.failed:
		t.Fatalf("failure after close: %s", err)
	case err := <-events.connectFailed:
		t.Fatalf("failure after close: %s", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionCloseWhileConnecting(t *testing.T) {
	coordinator := newTestCoordinator(t, "/jazz", false)
	events, callbacks := newConnectionEvents()
	conn := NewConnection(context.Background(), coordinator.Endpoint(), callbacks, testConnectionSettings())

	conn.Close()
	<-conn.Done()
	assert.Equal(t, conn.State(), ConnectionStateClosed)
	assert.Equal(t, len(events.connectFailed), 0)
	assert.Equal(t, len(events.connected), 0)
}

func TestConnectionFailed(t *testing.T) {
	events, callbacks := newConnectionEvents()
	endpoint := closedEndpoint(t)
	conn := NewConnection(context.Background(), endpoint, callbacks, testConnectionSettings())
	defer conn.Close()

	select {
	case err := <-events.connectFailed:
		var failedErr *ConnectionFailedError
		assert.Equal(t, errors.As(err, &failedErr), true)
		assert.Equal(t, failedErr.Endpoint, endpoint)
		assert.Equal(t, errors.Is(err, ErrConnection), true)
	case <-time.After(testTimeout):
		t.Fatal("no connect failure")
	}
	<-conn.Done()
	assert.Equal(t, conn.State(), ConnectionStateFailed)
	assert.Equal(t, conn.Send(Partial{"x": 1}), ErrNotConnected)
}

func TestConnectionReconnectGivesUp(t *testing.T) {
	events, callbacks := newConnectionEvents()
	settings := testConnectionSettings()
	settings.ReconnectPolicy = NewBackoffReconnect(time.Millisecond, 2, 10*time.Millisecond, 3)
	conn := NewConnection(context.Background(), closedEndpoint(t), callbacks, settings)
	defer conn.Close()

	select {
	case err := <-events.connectFailed:
		assert.Equal(t, errors.Is(err, ErrConnection), true)
	case <-time.After(testTimeout):
		t.Fatal("no connect failure")
	}
	assert.Equal(t, len(events.reconnecting), 3)
	assert.Equal(t, <-events.reconnecting, time.Millisecond)
	assert.Equal(t, <-events.reconnecting, 2*time.Millisecond)
	assert.Equal(t, <-events.reconnecting, 4*time.Millisecond)
}

func TestConnectionErrored(t *testing.T) {
	coordinator := newTestCoordinator(t, "/jazz", true)
	events, callbacks := newConnectionEvents()
	conn := NewConnection(context.Background(), coordinator.Endpoint(), callbacks, testConnectionSettings())
	defer conn.Close()

	<-events.connected
	coordinator.WaitAccepted()

	// drop the tcp connection without a close frame
	for _, c := range coordinator.activeConns() {
		c.ws.UnderlyingConn().Close()
	}

	select {
	case err := <-events.failed:
		assert.Equal(t, errors.Is(err, ErrConnection), true)
		var closedErr *ConnectionClosedError
		assert.Equal(t, errors.As(err, &closedErr), false)
	case <-time.After(testTimeout):
		t.Fatal("no error")
	}
	<-conn.Done()
	assert.Equal(t, conn.State(), ConnectionStateFailed)
}

func TestConnectionCallbackPanic(t *testing.T) {
	coordinator := newTestCoordinator(t, "/jazz", true)

	var mutex sync.Mutex
	texts := []string{}
	received := make(chan struct{}, 16)
	callbacks := &ConnectionCallbacks{
		Message: func(frame Frame) {
			if string(frame.Data) == "panic" {
				panic("callback panic")
			}
			mutex.Lock()
			texts = append(texts, string(frame.Data))
			mutex.Unlock()
			received <- struct{}{}
		},
	}
	conn := NewConnection(context.Background(), coordinator.Endpoint(), callbacks, testConnectionSettings())
	defer conn.Close()
	coordinator.WaitAccepted()

	coordinator.Broadcast(websocket.TextMessage, []byte("panic"))
	coordinator.Broadcast(websocket.TextMessage, []byte("after"))

	select {
	case <-received:
	case <-time.After(testTimeout):
		t.Fatal("read loop did not survive the panic")
	}
	mutex.Lock()
	assert.Equal(t, texts, []string{"after"})
	mutex.Unlock()
	assert.Equal(t, conn.State(), ConnectionStateUp)
}
