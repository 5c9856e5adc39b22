package jazz

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

type StateChange struct {
	Partial Partial
	Origin  Origin
}

// store state machine is:
// StoreStateConnecting
//
//	-> StoreStateSynced
//	  -> StoreStateConnecting (only with a reconnect policy)
//	  -> StoreStateFailed (terminal)
//	-> StoreStateFailed (terminal)
//
// any state -> StoreStateClosed (terminal) on `Close`
type StoreState string

const (
	StoreStateConnecting StoreState = "Connecting"
	StoreStateSynced     StoreState = "Synced"
	StoreStateFailed     StoreState = "Failed"
	StoreStateClosed     StoreState = "Closed"
)

func (self StoreState) IsTerminal() bool {
	switch self {
	case StoreStateFailed, StoreStateClosed:
		return true
	default:
		return false
	}
}

type StoreSettings struct {
	ConnectionSettings *ConnectionSettings
	// close the store on the first frame that cannot be decoded.
	// by default the frame is dropped and reported
	DecodeErrorsFatal bool
	// receives every connection and decoding error. runs on the connection goroutines
	ErrorCallback func(err error)
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		ConnectionSettings: DefaultConnectionSettings(),
	}
}

// the link a store sends on. `*Connection` in production
type frameSender interface {
	Id() Id
	State() ConnectionState
	SendFrame(message []byte) error
}

// Store is the local mirror of the shared state.
// All writes go through `SetState`, which merges locally and broadcasts to the
// coordinator. Frames relayed by the coordinator are merged without being
// broadcast again.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc

	id       Id
	config   *Config
	settings *StoreSettings
	log      LogFunction

	connection *Connection

	// orders sends on the link. taken before `mutex` and never while holding it.
	// a send can wait up to the write timeout, which stalls other senders
	// but not reads of the state
	sendMutex sync.Mutex

	mutex      sync.Mutex
	state      Partial
	storeState StoreState
	err        error
	// the connection handle passed to `Connected`
	conn frameSender
	// encoded frames waiting for the connection to come up, in registration order
	pending [][]byte
	// encoded frames for the current link, in registration order
	outbound [][]byte
	// closed and replaced on every store state change
	update chan struct{}

	changeCallbacks callbackList[func(StateChange)]
}

func NewStoreWithDefaults(ctx context.Context, config *Config) (*Store, error) {
	return NewStore(ctx, config, DefaultStoreSettings())
}

// fails with `ErrEnvironment` when no coordinator host can be determined,
// and with `ErrSettings` when the keepalive timeouts are inconsistent
func NewStore(ctx context.Context, config *Config, settings *StoreSettings) (*Store, error) {
	resolved, err := config.Resolve()
	if err != nil {
		return nil, err
	}
	if settings.ConnectionSettings == nil {
		settings.ConnectionSettings = DefaultConnectionSettings()
	}
	if err := settings.ConnectionSettings.Validate(); err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	id := NewId()
	store := &Store{
		ctx:        cancelCtx,
		cancel:     cancel,
		id:         id,
		config:     resolved,
		log:        LogFn(LogLevelDebug, id.String()),
		settings:   settings,
		state:      Partial{},
		storeState: StoreStateConnecting,
		update:     make(chan struct{}),
	}

	store.connection = NewConnection(
		cancelCtx,
		resolved.Endpoint(),
		&ConnectionCallbacks{
			Connected:     store.connected,
			ConnectFailed: store.failed,
			Errored:       store.failed,
			Closed:        store.failed,
			Message:       store.message,
			Reconnecting:  store.reconnecting,
		},
		settings.ConnectionSettings,
	)
	return store, nil
}

func (self *Store) Id() Id {
	return self.id
}

func (self *Store) Config() *Config {
	return self.config
}

func (self *Store) Connection() *Connection {
	return self.connection
}

func (self *Store) State() StoreState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.storeState
}

// the terminal error, if the store failed
func (self *Store) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

// number of broadcasts not yet handed to the connection
func (self *Store) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.pending) + len(self.outbound)
}

// must be called with the mutex
func (self *Store) setStoreState(storeState StoreState, err error) {
	if self.storeState.IsTerminal() {
		return
	}
	if self.storeState == storeState {
		return
	}
	self.storeState = storeState
	if err != nil {
		self.err = err
	}
	close(self.update)
	self.update = make(chan struct{})
}

// blocks until the store is synced. returns the terminal error if the store fails first
func (self *Store) WaitSynced(ctx context.Context) error {
	for {
		self.mutex.Lock()
		storeState := self.storeState
		err := self.err
		update := self.update
		self.mutex.Unlock()

		switch storeState {
		case StoreStateSynced:
			return nil
		case StoreStateFailed:
			return err
		case StoreStateClosed:
			return ErrStoreClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-update:
		}
	}
}

// merges with broadcast
func (self *Store) Mutate(partial Partial) error {
	return self.SetState(partial, true)
}

// Shallow merges `partial` into the local state. With `broadcast` the partial
// is sent to the coordinator now if the connection is up, or once it comes up.
// A partial that cannot be encoded is rejected without touching the state.
// After the store failed the merge is still applied locally and the terminal
// error is returned.
func (self *Store) SetState(partial Partial, broadcast bool) error {
	message, err := EncodeFrame(partial)
	if err != nil {
		return err
	}
	// local values take the same form as values decoded from the wire
	normalized, err := DecodeFrame(TextFrame(message))
	if err != nil {
		return err
	}

	send := false
	var sendErr error
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		self.merge(normalized)

		if !broadcast {
			return
		}
		switch self.storeState {
		case StoreStateSynced:
			self.outbound = append(self.outbound, message)
			send = true
		case StoreStateConnecting:
			self.pending = append(self.pending, message)
			self.log("[s]defer (%d)", len(self.pending))
		case StoreStateFailed:
			sendErr = self.err
		case StoreStateClosed:
			sendErr = ErrStoreClosed
		}
	}()

	if send {
		self.flush()
	}

	self.notifyChange(StateChange{
		Partial: normalized,
		Origin:  OriginLocal,
	})
	return sendErr
}

// must be called with the mutex
func (self *Store) merge(partial Partial) {
	for key, value := range partial {
		self.state[key] = value
	}
}

func (self *Store) flush() {
	var err error
	func() {
		self.sendMutex.Lock()
		defer self.sendMutex.Unlock()
		err = self.flushOutbound()
	}()
	if err != nil {
		self.reportError(err)
	}
}

// Sends the outbound frames in order while the store is synced.
// When the link is gone the unsent frames move back to pending for the next link.
// When the link is up but the send failed, the frame stays at the head of
// outbound and the error is returned.
// must be called with the send mutex
func (self *Store) flushOutbound() error {
	for {
		var conn frameSender
		var message []byte
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			if self.storeState != StoreStateSynced || len(self.outbound) == 0 {
				return
			}
			conn = self.conn
			message = self.outbound[0]
			self.outbound = self.outbound[1:]
		}()
		if message == nil {
			return nil
		}

		err := conn.SendFrame(message)
		if err == nil {
			self.log("[s]send")
			continue
		}
		glog.Infof("[s]%s send error = %s\n", conn.Id(), err)

		linkDown := errors.Is(err, ErrNotConnected) || conn.State() != ConnectionStateUp
		self.mutex.Lock()
		defer self.mutex.Unlock()
		requeue := append([][]byte{message}, self.outbound...)
		if linkDown {
			// keep the frames for the next link
			self.pending = append(requeue, self.pending...)
			self.outbound = nil
			self.setStoreState(StoreStateConnecting, nil)
			return nil
		}
		self.outbound = requeue
		return err
	}
}

// Applies one inbound frame with broadcast off.
// Returns a `*MessageDecodingError` for frames that are not UTF-8 text JSON
// objects, in which case the state is unchanged.
func (self *Store) HandleFrame(frame Frame) error {
	partial, err := DecodeFrame(frame)
	if err != nil {
		return err
	}

	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.merge(partial)
	}()

	self.notifyChange(StateChange{
		Partial: partial,
		Origin:  OriginRemote,
	})
	return nil
}

func (self *Store) connected(conn *Connection) {
	self.link(conn)
}

// Makes `conn` the current link and sends the deferred frames ahead of
// anything registered after.
func (self *Store) link(conn frameSender) {
	var err error
	func() {
		self.sendMutex.Lock()
		defer self.sendMutex.Unlock()

		linked := func() bool {
			self.mutex.Lock()
			defer self.mutex.Unlock()

			if self.storeState.IsTerminal() {
				return false
			}
			self.conn = conn
			// frames left from a previous link go first
			self.outbound = append(self.outbound, self.pending...)
			self.pending = nil
			self.log("[s]flush (%d)", len(self.outbound))
			self.setStoreState(StoreStateSynced, nil)
			return true
		}()
		if linked {
			err = self.flushOutbound()
		}
	}()
	if err != nil {
		self.reportError(err)
	}
}

func (self *Store) message(frame Frame) {
	err := self.HandleFrame(frame)
	if err == nil {
		return
	}
	glog.Infof("[s]drop frame = %s\n", err)
	if self.settings.DecodeErrorsFatal {
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			self.setStoreState(StoreStateFailed, err)
		}()
		// this runs on the read loop, which close waits on
		go self.connection.Close()
	}
	self.reportError(err)
}

func (self *Store) failed(err error) {
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.setStoreState(StoreStateFailed, err)
	}()
	self.reportError(err)
}

func (self *Store) reconnecting(err error, delay time.Duration) {
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.setStoreState(StoreStateConnecting, nil)
	}()
	self.reportError(err)
}

func (self *Store) reportError(err error) {
	if self.settings.ErrorCallback != nil {
		self.settings.ErrorCallback(err)
	}
}

func (self *Store) notifyChange(change StateChange) {
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(change)
		})
	}
}

// `callback` is called after every merge, local or remote.
// returns a function that removes the callback
func (self *Store) Subscribe(callback func(StateChange)) func() {
	id := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(id)
	}
}

// a deep copy of the current state
func (self *Store) Snapshot() Partial {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return deepCopyPartial(self.state)
}

func (self *Store) Get(key string) (any, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	value, ok := self.state[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(value), true
}

func (self *Store) Keys() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	keys := make([]string, 0, len(self.state))
	for key := range self.state {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (self *Store) Close() {
	func() {
		// a flush in progress hands off its frames before the connection drains
		self.sendMutex.Lock()
		defer self.sendMutex.Unlock()

		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.setStoreState(StoreStateClosed, nil)
	}()
	self.connection.Close()
	self.cancel()
}
