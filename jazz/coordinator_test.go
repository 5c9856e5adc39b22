package jazz

import (
	"flag"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testTimeout = 5 * time.Second

type receivedFrame struct {
	connIndex   int
	messageType int
	data        []byte
}

type coordinatorConn struct {
	index int
	mutex sync.Mutex
	ws    *websocket.Conn
}

func (self *coordinatorConn) write(messageType int, data []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(testTimeout))
	return self.ws.WriteMessage(messageType, data)
}

func (self *coordinatorConn) writeClose(code int) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(testTimeout),
	)
}

// a relay that fans each client frame out to every other client,
// which is the contract the real coordinator honors
type testCoordinator struct {
	t      *testing.T
	path   string
	server *httptest.Server

	upgrader websocket.Upgrader

	gateOnce sync.Once
	gate     chan struct{}
	closed   chan struct{}

	mutex sync.Mutex
	conns []*coordinatorConn

	received chan receivedFrame
	accepted chan int
}

func newTestCoordinator(t *testing.T, path string, open bool) *testCoordinator {
	coordinator := &testCoordinator{
		t:        t,
		path:     path,
		gate:     make(chan struct{}),
		closed:   make(chan struct{}),
		received: make(chan receivedFrame, 1024),
		accepted: make(chan int, 64),
	}
	if open {
		coordinator.Open()
	}
	coordinator.server = httptest.NewServer(http.HandlerFunc(coordinator.handle))
	t.Cleanup(coordinator.Close)
	return coordinator
}

func (self *testCoordinator) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != self.path {
		http.NotFound(w, r)
		return
	}

	// hold the handshake until the test lets connections up
	select {
	case <-self.gate:
	case <-self.closed:
		return
	case <-r.Context().Done():
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	self.mutex.Lock()
	conn := &coordinatorConn{
		index: len(self.conns),
		ws:    ws,
	}
	self.conns = append(self.conns, conn)
	self.mutex.Unlock()

	self.accepted <- conn.index

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		self.received <- receivedFrame{
			connIndex:   conn.index,
			messageType: messageType,
			data:        data,
		}
		for _, other := range self.activeConns() {
			if other != conn {
				other.write(messageType, data)
			}
		}
	}
}

func (self *testCoordinator) activeConns() []*coordinatorConn {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	conns := make([]*coordinatorConn, len(self.conns))
	copy(conns, self.conns)
	return conns
}

// lets held and future handshakes complete
func (self *testCoordinator) Open() {
	self.gateOnce.Do(func() {
		close(self.gate)
	})
}

func (self *testCoordinator) Close() {
	select {
	case <-self.closed:
		return
	default:
	}
	close(self.closed)
	self.server.CloseClientConnections()
	self.server.Close()
}

func (self *testCoordinator) Config() *Config {
	u, err := url.Parse(self.server.URL)
	if err != nil {
		self.t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		self.t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		self.t.Fatal(err)
	}
	return &Config{
		Host: host,
		Port: port,
		Path: self.path,
	}
}

func (self *testCoordinator) Endpoint() string {
	return self.Config().EndpointUrl()
}

// writes a frame to every connected client
func (self *testCoordinator) Broadcast(messageType int, data []byte) {
	for _, conn := range self.activeConns() {
		if err := conn.write(messageType, data); err != nil {
			self.t.Fatal(err)
		}
	}
}

func (self *testCoordinator) CloseClients(code int) {
	self.mutex.Lock()
	conns := self.conns
	self.conns = nil
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.writeClose(code)
		conn.ws.Close()
	}
}

func (self *testCoordinator) WaitAccepted() int {
	select {
	case index := <-self.accepted:
		return index
	case <-time.After(testTimeout):
		self.t.Fatal("no connection accepted")
		return -1
	}
}

func (self *testCoordinator) NextFrame() receivedFrame {
	select {
	case frame := <-self.received:
		return frame
	case <-time.After(testTimeout):
		self.t.Fatal("no frame received")
		return receivedFrame{}
	}
}

// true if no frame arrives within `wait`
func (self *testCoordinator) Quiet(wait time.Duration) bool {
	select {
	case <-self.received:
		return false
	case <-time.After(wait):
		return true
	}
}
