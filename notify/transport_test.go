package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/go-playground/assert/v2"
)

func testChannelSettings() *ChannelSettings {
	settings := DefaultChannelSettings()
	settings.ReconnectTimeout = 200 * time.Millisecond
	settings.PingTimeout = 100 * time.Millisecond
	settings.ReadTimeout = 2 * time.Second
	return settings
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	end := time.Now().Add(timeout)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatalf("Timeout after %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receiveEvent(t *testing.T, events chan *ChangeEvent) *ChangeEvent {
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("No event")
		return nil
	}
}

func websocketUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestEndpointUrl(t *testing.T) {
	type test struct {
		origin      string
		channelPath string
		endpointUrl string
	}
	tests := []test{
		{"https://files.example.com", "/notifications", "wss://files.example.com/notifications"},
		{"http://localhost:8080/", "notifications", "ws://localhost:8080/notifications"},
		{"HTTPS://files.example.com/app/", "/dav/notifications", "wss://files.example.com/app/dav/notifications"},
		{"https://files.example.com/?q=1#x", "/n", "wss://files.example.com/n"},
		{"ws://localhost:8080", "/n", "ws://localhost:8080/n"},
	}
	for _, test := range tests {
		endpointUrl, err := EndpointUrl(test.origin, test.channelPath)
		assert.Equal(t, err, nil)
		assert.Equal(t, endpointUrl, test.endpointUrl)
	}

	_, err := EndpointUrl("ftp://files.example.com", "/n")
	assert.NotEqual(t, err, nil)
	_, err = EndpointUrl("/relative", "/n")
	assert.NotEqual(t, err, nil)
}

func TestChannelReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := NewBroadcasterWithDefaults(ctx)
	defer broadcaster.Close()
	server := httptest.NewServer(broadcaster)
	defer server.Close()

	events := make(chan *ChangeEvent, 16)
	channelManager := NewChannelManager(
		ctx,
		websocketUrl(server),
		nil,
		func(event *ChangeEvent) {
			events <- event
		},
		testChannelSettings(),
	)
	defer channelManager.Close()

	waitFor(t, 2*time.Second, func() bool {
		_, state := channelManager.State()
		return broadcaster.ClientCount() == 1 && state == ConnectionStateOpen
	})

	n, err := broadcaster.Publish(&ChangeEvent{Kind: EventKindCreated, ItemPath: "/docs/a.txt"})
	assert.Equal(t, err, nil)
	assert.Equal(t, n, 1)
	assert.Equal(t, receiveEvent(t, events), &ChangeEvent{Kind: EventKindCreated, ItemPath: "/docs/a.txt"})

	// dropped frames do not end the connection
	broadcaster.PublishFrame(websocket.TextMessage, []byte(`not json`))
	broadcaster.PublishFrame(websocket.TextMessage, []byte(`{"kind":"copied","itemPath":"/a"}`))
	broadcaster.PublishFrame(websocket.BinaryMessage, []byte{})
	broadcaster.PublishFrame(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff})

	message, err := EncodeChangeEventProto(&ChangeEvent{Kind: EventKindMoved, ItemPath: "/a", TargetPath: "/b"})
	assert.Equal(t, err, nil)
	broadcaster.PublishFrame(websocket.BinaryMessage, message)
	assert.Equal(t, receiveEvent(t, events), &ChangeEvent{Kind: EventKindMoved, ItemPath: "/a", TargetPath: "/b"})

	// in arrival order
	for _, itemPath := range []string{"/1", "/2", "/3"} {
		broadcaster.Publish(&ChangeEvent{Kind: EventKindUpdated, ItemPath: itemPath})
	}
	for _, itemPath := range []string{"/1", "/2", "/3"} {
		assert.Equal(t, receiveEvent(t, events).ItemPath, itemPath)
	}

	assert.Equal(t, broadcaster.ConnectCount(), 1)
}

func TestChannelHandlerPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := NewBroadcasterWithDefaults(ctx)
	server := httptest.NewServer(broadcaster)
	defer server.Close()

	events := make(chan *ChangeEvent, 16)
	channelManager := NewChannelManager(
		ctx,
		websocketUrl(server),
		nil,
		func(event *ChangeEvent) {
			if event.ItemPath == "/panic" {
				panic("handler")
			}
			events <- event
		},
		testChannelSettings(),
	)
	defer channelManager.Close()

	waitFor(t, 2*time.Second, func() bool {
		return broadcaster.ClientCount() == 1
	})
	broadcaster.Publish(&ChangeEvent{Kind: EventKindCreated, ItemPath: "/panic"})
	broadcaster.Publish(&ChangeEvent{Kind: EventKindCreated, ItemPath: "/ok"})
	assert.Equal(t, receiveEvent(t, events).ItemPath, "/ok")
	assert.Equal(t, broadcaster.ConnectCount(), 1)
}

func TestChannelReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := NewBroadcasterWithDefaults(ctx)
	server := httptest.NewServer(broadcaster)
	defer server.Close()

	settings := testChannelSettings()
	events := make(chan *ChangeEvent, 16)
	channelManager := NewChannelManager(
		ctx,
		websocketUrl(server),
		nil,
		func(event *ChangeEvent) {
			events <- event
		},
		settings,
	)
	defer channelManager.Close()

	waitFor(t, 2*time.Second, func() bool {
		_, state := channelManager.State()
		return broadcaster.ClientCount() == 1 && state == ConnectionStateOpen
	})

	var stateLock sync.Mutex
	states := []ConnectionState{}
	channelManager.AddStateCallback(func(connectionId Id, state ConnectionState) {
		stateLock.Lock()
		defer stateLock.Unlock()
		states = append(states, state)
	})

	disconnectTime := time.Now()
	broadcaster.Disconnect()

	maxClientCount := 0
	waitFor(t, 2*time.Second, func() bool {
		if clientCount := broadcaster.ClientCount(); maxClientCount < clientCount {
			maxClientCount = clientCount
		}
		return broadcaster.ConnectCount() == 2 && broadcaster.ClientCount() == 1
	})
	assert.Equal(t, settings.ReconnectTimeout <= time.Since(disconnectTime), true)
	assert.Equal(t, maxClientCount, 1)

	// no further connections while the new one is healthy
	time.Sleep(2 * settings.ReconnectTimeout)
	assert.Equal(t, broadcaster.ConnectCount(), 2)
	assert.Equal(t, broadcaster.ClientCount(), 1)

	func() {
		stateLock.Lock()
		defer stateLock.Unlock()
		assert.Equal(t, states, []ConnectionState{
			ConnectionStateClosed,
			ConnectionStateConnecting,
			ConnectionStateOpen,
		})
	}()

	broadcaster.Publish(&ChangeEvent{Kind: EventKindDeleted, ItemPath: "/docs"})
	assert.Equal(t, receiveEvent(t, events).Kind, EventKindDeleted)
}

func TestChannelReconnectAfterConnectError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := NewBroadcasterWithDefaults(ctx)

	var stateLock sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := func() int {
			stateLock.Lock()
			defer stateLock.Unlock()
			attempts += 1
			return attempts
		}()
		if attempt <= 2 {
			http.Error(w, "Unavailable", http.StatusServiceUnavailable)
			return
		}
		broadcaster.ServeHTTP(w, r)
	}))
	defer server.Close()

	settings := testChannelSettings()
	startTime := time.Now()
	channelManager := NewChannelManager(
		ctx,
		websocketUrl(server),
		nil,
		func(event *ChangeEvent) {},
		settings,
	)
	defer channelManager.Close()

	waitFor(t, 3*time.Second, func() bool {
		return broadcaster.ClientCount() == 1
	})
	// two failed attempts, each followed by the fixed delay
	assert.Equal(t, 2*settings.ReconnectTimeout <= time.Since(startTime), true)
	stateLock.Lock()
	assert.Equal(t, attempts, 3)
	stateLock.Unlock()
}

func TestChannelClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := NewBroadcasterWithDefaults(ctx)
	server := httptest.NewServer(broadcaster)
	defer server.Close()

	settings := testChannelSettings()
	channelManager := NewChannelManager(
		ctx,
		websocketUrl(server),
		nil,
		func(event *ChangeEvent) {},
		settings,
	)

	waitFor(t, 2*time.Second, func() bool {
		return broadcaster.ClientCount() == 1
	})

	channelManager.Close()
	select {
	case <-channelManager.Done():
	case <-time.After(time.Second):
		t.Fatalf("Not done")
	}
	waitFor(t, 2*time.Second, func() bool {
		return broadcaster.ClientCount() == 0
	})

	time.Sleep(2 * settings.ReconnectTimeout)
	assert.Equal(t, broadcaster.ConnectCount(), 1)
	_, state := channelManager.State()
	assert.Equal(t, state, ConnectionStateClosed)
}

func TestChannelAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jwtKey := []byte("test-key")
	broadcastSettings := DefaultBroadcastSettings()
	broadcastSettings.JwtKey = jwtKey
	broadcaster := NewBroadcaster(ctx, broadcastSettings)
	server := httptest.NewServer(broadcaster)
	defer server.Close()

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": "client-a",
	})
	byJwt, err := token.SignedString(jwtKey)
	assert.Equal(t, err, nil)

	auth := &ChannelAuth{
		ByJwt:      byJwt,
		InstanceId: NewId(),
	}
	clientId, err := auth.ClientId()
	assert.Equal(t, err, nil)
	assert.Equal(t, clientId, "client-a")

	// unsigned
	badChannelManager := NewChannelManager(
		ctx,
		websocketUrl(server),
		&ChannelAuth{},
		func(event *ChangeEvent) {},
		testChannelSettings(),
	)
	defer badChannelManager.Close()

	channelManager := NewChannelManager(
		ctx,
		websocketUrl(server),
		auth,
		func(event *ChangeEvent) {},
		testChannelSettings(),
	)
	defer channelManager.Close()

	waitFor(t, 2*time.Second, func() bool {
		return broadcaster.ClientCount() == 1
	})
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, broadcaster.ConnectCount(), 1)
}
