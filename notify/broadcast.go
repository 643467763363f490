package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type BroadcastSettings struct {
	// frames buffered per client. a client that falls behind this is dropped
	SendBufferSize int
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	// encode events as protobuf binary frames instead of json text frames
	BinaryFrames bool
	// when set, the handshake must carry a bearer jwt signed with this HMAC key
	JwtKey []byte
}

func DefaultBroadcastSettings() *BroadcastSettings {
	return &BroadcastSettings{
		SendBufferSize: 32,
		WriteTimeout:   5 * time.Second,
		ReadTimeout:    90 * time.Second,
	}
}

type broadcastFrame struct {
	messageType int
	message     []byte
}

type broadcastClient struct {
	cancel context.CancelFunc
	send   chan broadcastFrame
}

// Broadcaster is the server end of the push channel.
// Every published event is sent to every connected client.
type Broadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BroadcastSettings
	upgrader websocket.Upgrader

	stateLock    sync.Mutex
	clients      map[Id]*broadcastClient
	connectCount int
}

func NewBroadcasterWithDefaults(ctx context.Context) *Broadcaster {
	return NewBroadcaster(ctx, DefaultBroadcastSettings())
}

func NewBroadcaster(ctx context.Context, settings *BroadcastSettings) *Broadcaster {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Broadcaster{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[Id]*broadcastClient{},
	}
}

func (self *Broadcaster) authorize(r *http.Request) error {
	if len(self.settings.JwtKey) == 0 {
		return nil
	}
	jwt, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || jwt == "" {
		return errors.New("Missing bearer token")
	}
	_, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return self.settings.JwtKey, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	return err
}

func (self *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := self.authorize(r); err != nil {
		glog.Infof("[b]auth error = %s\n", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[b]upgrade error = %s\n", err)
		return
	}
	defer ws.Close()

	clientId := NewId()
	clientCtx, clientCancel := context.WithCancel(self.ctx)
	defer clientCancel()
	client := &broadcastClient{
		cancel: clientCancel,
		send:   make(chan broadcastFrame, self.settings.SendBufferSize),
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.clients[clientId] = client
		self.connectCount += 1
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.clients, clientId)
	}()
	glog.V(2).Infof("[b]connect %s\n", clientId)

	// the reader only services control frames and detects close
	go func() {
		defer clientCancel()
		ws.SetReadLimit(1024)
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		ws.SetPingHandler(func(appData string) error {
			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(self.settings.WriteTimeout))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				glog.V(2).Infof("[b]%s<- error = %s\n", clientId, err)
				return
			}
		}
	}()

	for {
		select {
		case <-clientCtx.Done():
			return
		case frame := <-client.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(frame.messageType, frame.message); err != nil {
				glog.Infof("[b]%s-> error = %s\n", clientId, err)
				return
			}
		}
	}
}

func (self *Broadcaster) Publish(event *ChangeEvent) (int, error) {
	if self.settings.BinaryFrames {
		message, err := EncodeChangeEventProto(event)
		if err != nil {
			return 0, err
		}
		return self.PublishFrame(websocket.BinaryMessage, message), nil
	}
	message, err := EncodeChangeEventJson(event)
	if err != nil {
		return 0, err
	}
	return self.PublishFrame(websocket.TextMessage, message), nil
}

// sends a raw frame to all clients and returns the number of clients it was queued for
func (self *Broadcaster) PublishFrame(messageType int, message []byte) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for clientId, client := range self.clients {
		select {
		case client.send <- broadcastFrame{messageType: messageType, message: message}:
			n += 1
		default:
			// backpressure: drop the slow client. it will reconnect
			glog.Infof("[b]drop slow client %s\n", clientId)
			client.cancel()
			delete(self.clients, clientId)
		}
	}
	return n
}

// disconnects every current client. clients are expected to reconnect
func (self *Broadcaster) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, client := range self.clients {
		client.cancel()
	}
}

func (self *Broadcaster) ClientCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.clients)
}

// total accepted connections since start
func (self *Broadcaster) ConnectCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectCount
}

func (self *Broadcaster) Close() {
	self.cancel()
}
