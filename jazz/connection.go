package jazz

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

const ConnectionBufferSize = 1

// connection state machine is:
// ConnectionStateUnconnected
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateFailed (terminal)
//	  -> ConnectionStateUp
//	    -> ConnectionStateConnecting (only with a reconnect policy)
//	    -> ConnectionStateFailed (terminal)
//
// any state -> ConnectionStateClosed (terminal) on `Close`
type ConnectionState string

const (
	ConnectionStateUnconnected ConnectionState = "Unconnected"
	ConnectionStateConnecting  ConnectionState = "Connecting"
	ConnectionStateUp          ConnectionState = "Up"
	ConnectionStateFailed      ConnectionState = "Failed"
	ConnectionStateClosed      ConnectionState = "Closed"
)

func (self ConnectionState) IsTerminal() bool {
	switch self {
	case ConnectionStateFailed, ConnectionStateClosed:
		return true
	default:
		return false
	}
}

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// a ping is written on this interval, independent of outbound traffic
	PingTimeout time.Duration
	// the link is dropped when nothing, including a pong, is read for this long.
	// must be longer than `PingTimeout`
	ReadTimeout     time.Duration
	ReconnectPolicy ReconnectPolicy
	RequestHeader   http.Header
}

func DefaultConnectionSettings() *ConnectionSettings {
	pingTimeout := 5 * time.Second
	return &ConnectionSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       5 * time.Second,
		PingTimeout:        pingTimeout,
		ReadTimeout:        3 * pingTimeout,
		ReconnectPolicy:    NoReconnect(),
	}
}

func (self *ConnectionSettings) Validate() error {
	if self.PingTimeout <= 0 {
		return fmt.Errorf("%w: ping timeout must be positive (%s)", ErrSettings, self.PingTimeout)
	}
	if self.ReadTimeout <= self.PingTimeout {
		return fmt.Errorf(
			"%w: read timeout (%s) must be longer than ping timeout (%s)",
			ErrSettings,
			self.ReadTimeout,
			self.PingTimeout,
		)
	}
	return nil
}

// nil callbacks are skipped.
// callbacks run on the connection goroutines. `Message` is called in the order
// frames are read, never before `Connected` for the same link
type ConnectionCallbacks struct {
	Connected     func(conn *Connection)
	ConnectFailed func(err error)
	Errored       func(err error)
	Closed        func(err error)
	Message       func(frame Frame)
	// the link failed or dropped and will be tried again after `delay`
	Reconnecting func(err error, delay time.Duration)
}

// Connection owns one persistent websocket to the coordinator.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	id        Id
	endpoint  string
	callbacks *ConnectionCallbacks
	settings  *ConnectionSettings

	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	stateLock sync.Mutex
	state     ConnectionState
	// the current link. nil unless up
	send    chan []byte
	linkCtx context.Context
}

func NewConnectionWithDefaults(
	ctx context.Context,
	endpoint string,
	callbacks *ConnectionCallbacks,
) *Connection {
	return NewConnection(ctx, endpoint, callbacks, DefaultConnectionSettings())
}

// starts connecting in the background and returns immediately
func NewConnection(
	ctx context.Context,
	endpoint string,
	callbacks *ConnectionCallbacks,
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	if callbacks == nil {
		callbacks = &ConnectionCallbacks{}
	}
	if settings.ReconnectPolicy == nil {
		settings.ReconnectPolicy = NoReconnect()
	}
	conn := &Connection{
		ctx:       cancelCtx,
		cancel:    cancel,
		id:        NewId(),
		endpoint:  endpoint,
		callbacks: callbacks,
		settings:  settings,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		state:     ConnectionStateUnconnected,
	}
	go conn.run()
	return conn
}

func (self *Connection) Id() Id {
	return self.id
}

func (self *Connection) Endpoint() string {
	return self.endpoint
}

func (self *Connection) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// closed when the connection reaches a terminal state
func (self *Connection) Done() <-chan struct{} {
	return self.done
}

func (self *Connection) setState(state ConnectionState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state.IsTerminal() {
		return
	}
	self.state = state
	if state != ConnectionStateUp {
		self.send = nil
		self.linkCtx = nil
	}
}

func (self *Connection) setUp(linkCtx context.Context, send chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = ConnectionStateUp
	self.send = send
	self.linkCtx = linkCtx
}

func (self *Connection) isClosing() bool {
	select {
	case <-self.closing:
		return true
	default:
		return false
	}
}

func (self *Connection) run() {
	defer func() {
		self.cancel()
		// no-op when already failed
		self.setState(ConnectionStateClosed)
		close(self.done)
	}()

	attempt := 0
	for {
		if self.isClosing() || self.ctx.Err() != nil {
			return
		}
		self.setState(ConnectionStateConnecting)

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.id), self.dial)
		} else {
			ws, err = self.dial()
		}
		if err != nil {
			if self.isClosing() || self.ctx.Err() != nil {
				return
			}
			glog.Infof("[c]%s connect error = %s\n", self.id, err)
			failedErr := newConnectionFailedError(self.endpoint, err)
			if delay, ok := self.settings.ReconnectPolicy.Next(attempt); ok {
				attempt += 1
				if self.waitReconnect(failedErr, delay) {
					continue
				}
				return
			}
			self.setState(ConnectionStateFailed)
			self.callback(func() {
				if self.callbacks.ConnectFailed != nil {
					self.callbacks.ConnectFailed(failedErr)
				}
			})
			return
		}
		attempt = 0

		linkErr := self.handle(ws)
		if linkErr == nil {
			// closed locally
			return
		}
		glog.Infof("[c]%s link error = %s\n", self.id, linkErr)
		if delay, ok := self.settings.ReconnectPolicy.Next(attempt); ok {
			attempt += 1
			if self.waitReconnect(linkErr, delay) {
				continue
			}
			return
		}
		self.setState(ConnectionStateFailed)
		self.callback(func() {
			var closedErr *ConnectionClosedError
			if errors.As(linkErr, &closedErr) {
				if self.callbacks.Closed != nil {
					self.callbacks.Closed(linkErr)
				}
			} else {
				if self.callbacks.Errored != nil {
					self.callbacks.Errored(linkErr)
				}
			}
		})
		return
	}
}

// false if the connection was closed while waiting
func (self *Connection) waitReconnect(err error, delay time.Duration) bool {
	self.setState(ConnectionStateConnecting)
	glog.Infof("[c]%s reconnect in %s\n", self.id, delay)
	self.callback(func() {
		if self.callbacks.Reconnecting != nil {
			self.callbacks.Reconnecting(err, delay)
		}
	})
	select {
	case <-self.ctx.Done():
		return false
	case <-self.closing:
		return false
	case <-time.After(delay):
		return true
	}
}

func (self *Connection) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.endpoint, self.settings.RequestHeader)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// runs one established link until it breaks or the connection is closed.
// returns nil when closed locally
func (self *Connection) handle(ws *websocket.Conn) error {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	var linkErr error
	var linkErrOnce sync.Once
	setLinkErr := func(err error) {
		linkErrOnce.Do(func() {
			linkErr = err
		})
		handleCancel()
	}

	send := make(chan []byte, ConnectionBufferSize)

	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	writeDone := make(chan struct{})
	go func() {
		defer func() {
			handleCancel()
			close(writeDone)
		}()

		write := func(message []byte) bool {
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// note that for websocket a dealine timeout cannot be recovered
				glog.Infof("[cs]%s-> error = %s\n", self.id, err)
				setLinkErr(&ConnectionError{Endpoint: self.endpoint, Err: err})
				return false
			}
			glog.V(2).Infof("[cs]%s->\n", self.id)
			return true
		}

		// writes do not reset the ping schedule. the coordinator does not echo,
		// so pongs are the only inbound traffic on a link that only sends
		pingTicker := time.NewTicker(self.settings.PingTimeout)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-self.closing:
				// drain what was already handed off, then say goodbye
				for {
					select {
					case message := <-send:
						if !write(message) {
							return
						}
						continue
					default:
					}
					break
				}
				ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(self.settings.WriteTimeout),
				)
				return
			case message := <-send:
				if !write(message) {
					return
				}
			case <-pingTicker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					glog.Infof("[cs]ping %s-> error = %s\n", self.id, err)
					setLinkErr(&ConnectionError{Endpoint: self.endpoint, Err: err})
					return
				}
			}
		}
	}()

	self.setUp(handleCtx, send)
	self.callback(func() {
		if self.callbacks.Connected != nil {
			self.callbacks.Connected(self)
		}
	})

	readDone := make(chan struct{})
	go func() {
		defer func() {
			handleCancel()
			close(readDone)
		}()

		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				if handleCtx.Err() != nil || self.isClosing() {
					return
				}
				glog.Infof("[cr]%s<- error = %s\n", self.id, err)
				// an abnormal closure is a dropped link, not a close from the peer
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
					setLinkErr(newConnectionClosedError(self.endpoint, closeErr.Code, err))
				} else {
					setLinkErr(&ConnectionError{Endpoint: self.endpoint, Err: err})
				}
				return
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			glog.V(2).Infof("[cr]%s<-\n", self.id)

			frame := Frame{
				MessageType: messageType,
				Data:        message,
			}
			self.callback(func() {
				if self.callbacks.Message != nil {
					self.callbacks.Message(frame)
				}
			})
		}
	}()

	<-handleCtx.Done()
	if self.isClosing() {
		self.setState(ConnectionStateClosed)
	} else {
		self.setState(ConnectionStateConnecting)
	}
	<-writeDone
	ws.Close()
	<-readDone

	if self.isClosing() || self.ctx.Err() != nil {
		return nil
	}
	if linkErr == nil {
		// canceled by the writer or reader without a recorded cause
		return &ConnectionError{Endpoint: self.endpoint, Err: errors.New("link canceled")}
	}
	return linkErr
}

func (self *Connection) callback(do func()) {
	HandleError(do, func(err error) {
		glog.Errorf("[c]%s callback error = %s\n", self.id, err)
	})
}

// encodes `payload` and writes it to the live link. the connection must be up
func (self *Connection) Send(payload Partial) error {
	message, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	return self.SendFrame(message)
}

func (self *Connection) SendFrame(message []byte) error {
	if self.isClosing() {
		return ErrNotConnected
	}

	self.stateLock.Lock()
	state := self.state
	send := self.send
	linkCtx := self.linkCtx
	self.stateLock.Unlock()

	if state != ConnectionStateUp || send == nil || linkCtx.Err() != nil {
		return ErrNotConnected
	}

	select {
	case <-linkCtx.Done():
		return ErrNotConnected
	case send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return &ConnectionError{Endpoint: self.endpoint, Err: errors.New("send timeout")}
	}
}

// drains frames already handed to the link, writes a close frame and stops.
// no failure callbacks fire after close
func (self *Connection) Close() {
	self.closeOnce.Do(func() {
		close(self.closing)
		if self.State() != ConnectionStateUp {
			self.cancel()
		}
		select {
		case <-self.done:
		case <-time.After(self.settings.WriteTimeout):
		}
		self.cancel()
	})
}
