package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// connection state machine is:
// ConnectionStateConnecting
//
//	-> ConnectionStateOpen
//	  -> ConnectionStateClosed
//	-> ConnectionStateClosed
//
// ConnectionStateClosed -> ConnectionStateConnecting after the reconnect timeout
type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "Connecting"
	ConnectionStateOpen       ConnectionState = "Open"
	ConnectionStateClosed     ConnectionState = "Closed"
)

type ChangeEventFunction = func(event *ChangeEvent)

type ConnectionStateFunction = func(connectionId Id, state ConnectionState)

type ChannelSettings struct {
	HandshakeTimeout time.Duration
	// fixed delay between a close and the next connect. this does not grow and there is no retry limit
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	// the read deadline is extended by this on each message or pong
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// extra handshake headers
	Header http.Header
	// when nil a dialer is created with `HandshakeTimeout`
	Dialer *websocket.Dialer
}

func DefaultChannelSettings() *ChannelSettings {
	return &ChannelSettings{
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      15 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// `<origin>/<channelPath>` with the websocket scheme matching the origin.
// a secure origin always gets a secure channel
func EndpointUrl(origin string, channelPath string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("Unsupported origin scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("Origin has no host: %s", origin)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(channelPath, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// ChannelManager keeps one push connection alive until closed.
// Connect, read and reconnect all run on a single goroutine,
// so there is at most one live connection and events are handled in arrival order.
type ChannelManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	endpointUrl string
	auth        *ChannelAuth
	handler     ChangeEventFunction

	settings *ChannelSettings

	stateLock    sync.Mutex
	state        ConnectionState
	connectionId Id

	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewChannelManagerWithDefaults(
	ctx context.Context,
	endpointUrl string,
	auth *ChannelAuth,
	handler ChangeEventFunction,
) *ChannelManager {
	return NewChannelManager(
		ctx,
		endpointUrl,
		auth,
		handler,
		DefaultChannelSettings(),
	)
}

func NewChannelManager(
	ctx context.Context,
	endpointUrl string,
	auth *ChannelAuth,
	handler ChangeEventFunction,
	settings *ChannelSettings,
) *ChannelManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	channelManager := &ChannelManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		endpointUrl:    endpointUrl,
		auth:           auth,
		handler:        handler,
		settings:       settings,
		state:          ConnectionStateConnecting,
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
	go channelManager.run()
	return channelManager
}

func (self *ChannelManager) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ChannelManager) State() (Id, ConnectionState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionId, self.state
}

func (self *ChannelManager) setState(connectionId Id, state ConnectionState) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.connectionId = connectionId
		self.state = state
	}()
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(connectionId, state)
		})
	}
}

func (self *ChannelManager) dialer() *websocket.Dialer {
	if self.settings.Dialer != nil {
		return self.settings.Dialer
	}
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
}

func (self *ChannelManager) header() http.Header {
	header := self.auth.Header()
	for key, values := range self.settings.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	return header
}

func (self *ChannelManager) run() {
	defer self.cancel()

	clientTag := self.auth.logTag()

	for {
		connectionId := NewId()
		self.setState(connectionId, ConnectionStateConnecting)

		connect := func() (*websocket.Conn, error) {
			ws, _, err := self.dialer().DialContext(self.ctx, self.endpointUrl, self.header())
			return ws, err
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s %s", clientTag, connectionId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[c]connect error %s = %s\n", clientTag, err)
		} else {
			self.setState(connectionId, ConnectionStateOpen)
			c := func() {
				self.handle(clientTag, connectionId, ws)
			}
			if glog.V(2) {
				Trace(fmt.Sprintf("[c]connect run %s %s", clientTag, connectionId), c)
			} else {
				c()
			}
		}
		self.setState(connectionId, ConnectionStateClosed)

		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// reads until the connection fails or the manager is closed
func (self *ChannelManager) handle(clientTag string, connectionId Id, ws *websocket.Conn) {
	// an error always ends in an explicit close, so the reconnect runs promptly
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	extendReadDeadline := func() error {
		return ws.SetReadDeadline(time.Now().Add(self.settings.PingTimeout + self.settings.ReadTimeout))
	}
	extendReadDeadline()
	ws.SetPongHandler(func(string) error {
		glog.V(2).Infof("[cr]pong %s<-\n", clientTag)
		return extendReadDeadline()
	})

	go func() {
		defer func() {
			handleCancel()
			// unblock the reader
			ws.Close()
		}()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				err := ws.WriteControl(
					websocket.PingMessage,
					nil,
					time.Now().Add(self.settings.WriteTimeout),
				)
				if err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[cs]ping %s-> error = %s\n", clientTag, err)
					return
				}
			}
		}
	}()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-handleCtx.Done():
			default:
				glog.Infof("[cr]%s<- error = %s\n", clientTag, err)
			}
			return
		}
		extendReadDeadline()
		self.receive(clientTag, connectionId, messageType, message)
	}
}

func (self *ChannelManager) receive(clientTag string, connectionId Id, messageType int, message []byte) {
	HandleError(func() {
		var event *ChangeEvent
		var err error
		switch messageType {
		case websocket.TextMessage:
			event, err = DecodeChangeEventJson(message)
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[cr]ping %s<-\n", clientTag)
				return
			}
			event, err = DecodeChangeEventProto(message)
		default:
			glog.V(2).Infof("[cr]other=%d %s<-\n", messageType, clientTag)
			return
		}
		if err != nil {
			glog.V(1).Infof("[cr]drop %s %s<- = %s\n", connectionId, clientTag, err)
			return
		}
		glog.V(2).Infof("[cr]%s %s<- %s\n", connectionId, clientTag, event)
		self.handler(event)
	})
}

func (self *ChannelManager) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *ChannelManager) Close() {
	self.cancel()
}
