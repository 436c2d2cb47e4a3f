package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxp888/partyshot/pkg/broker"
	"github.com/pxp888/partyshot/pkg/config"
	"github.com/pxp888/partyshot/pkg/errors"
	"github.com/pxp888/partyshot/pkg/events"
	"github.com/pxp888/partyshot/pkg/logging"
	"github.com/pxp888/partyshot/pkg/watcher"
)

const waitFor = 2 * time.Second

type memorySecrets struct {
	mu      sync.Mutex
	secrets map[string]string
	err     error
}

func newMemorySecrets() *memorySecrets {
	return &memorySecrets{secrets: make(map[string]string)}
}

func (s *memorySecrets) Get(_ context.Context, username string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.secrets[SecretKey(username)]
	if !ok {
		return "", errors.NewNotFoundError("wssecret", username)
	}
	return v, nil
}

func (s *memorySecrets) Set(_ context.Context, username, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[SecretKey(username)] = secret
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv     *httptest.Server
	gw      *Gateway
	mem     *broker.Memory
	watcher *watcher.Watcher
	secrets *memorySecrets
	clock   *fakeClock
}

func newTestEnv(t *testing.T, requireSecret bool) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Gateway.RequireSecret = requireSecret
	cfg.Broker.Backend = config.BackendMemory

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	mem := broker.NewMemory()
	w := watcher.New(mem, watcher.Options{TTL: time.Minute, Now: clock.Now}, logging.NewNopLogger())
	secrets := newMemorySecrets()

	gw, err := New(cfg, Dependencies{Broker: mem, Watcher: w, Secrets: secrets}, logging.NewNopLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(func() {
		srv.Close()
		w.Close()
		_ = mem.Close()
	})
	return &testEnv{srv: srv, gw: gw, mem: mem, watcher: w, secrets: secrets, clock: clock}
}

func (e *testEnv) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + query
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(query), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func send(t *testing.T, conn *websocket.Conn, action string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"action": action, "payload": payload}))
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func readReply(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &m))
	return m
}

func (e *testEnv) subscribe(t *testing.T, conn *websocket.Conn, channel string) {
	t.Helper()
	send(t, conn, "subscribe", map[string]string{"channel": channel})
	reply := readReply(t, conn)
	require.Equal(t, "subscribed", reply["action"])
	require.Eventually(t, func() bool { return e.mem.Subscribers(channel) == 1 }, waitFor, 5*time.Millisecond)
}

func TestNewRequiresSecretStore(t *testing.T) {
	cfg := config.DefaultConfig()
	mem := broker.NewMemory()
	w := watcher.New(mem, watcher.Options{}, nil)
	defer w.Close()

	_, err := New(cfg, Dependencies{Broker: mem, Watcher: w}, nil)
	assert.True(t, errors.IsValidation(err))

	cfg.Gateway.RequireSecret = false
	_, err = New(cfg, Dependencies{Broker: mem, Watcher: w}, nil)
	assert.NoError(t, err)

	_, err = New(cfg, Dependencies{Watcher: w}, nil)
	assert.Error(t, err)
}

func TestWebsocketRejectsBadSecret(t *testing.T) {
	env := newTestEnv(t, true)
	require.NoError(t, env.secrets.Set(context.Background(), "alice", "s3cret"))

	tests := []struct {
		name  string
		query string
		code  int
	}{
		{"missing username", "wssecret=s3cret", http.StatusUnauthorized},
		{"missing secret", "username=alice", http.StatusUnauthorized},
		{"wrong secret", "username=alice&wssecret=nope", http.StatusUnauthorized},
		{"unknown user", "username=bob&wssecret=s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tt.query), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	env.secrets.mu.Lock()
	env.secrets.err = errors.NewServiceError("redis", errors.CodeServiceUnavailable, "down", nil)
	env.secrets.mu.Unlock()
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("username=alice&wssecret=s3cret"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebsocketAcceptsIssuedSecret(t *testing.T) {
	env := newTestEnv(t, true)

	resp := env.post(t, "/v1/wssecret", map[string]string{"username": "alice"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body["wssecret"], 32)

	conn := env.dial(t, "username=alice&wssecret="+body["wssecret"])
	send(t, conn, "ping", nil)
	assert.Equal(t, "pong", readReply(t, conn)["action"])
}

func TestWSSecretValidation(t *testing.T) {
	env := newTestEnv(t, true)
	resp := env.post(t, "/v1/wssecret", map[string]string{"username": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/v1/wssecret", map[string]string{"user": "alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribeReceivesPublishedPayload(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "username=alice")
	b := env.dial(t, "username=bob")

	env.subscribe(t, a, "album-abc")
	send(t, b, "subscribe", map[string]string{"channel": "album-abc"})
	require.Equal(t, "subscribed", readReply(t, b)["action"])

	payload := `{"type":"photoAdded","payload":{"id":"p1"}}`
	resp := env.post(t, "/v1/publish", PublishRequest{Channel: "album-abc", Payload: payload})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, payload, readText(t, a))
	assert.Equal(t, payload, readText(t, b))
}

func TestEventEndpointWrapsPayload(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")
	env.subscribe(t, a, "album-abc")

	resp := env.post(t, "/v1/events", map[string]any{
		"channel": "album-abc",
		"type":    events.TypePhotoDeleted,
		"payload": map[string]string{"id": "p1", "albumCode": "abc"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev, err := events.Decode(readText(t, a))
	require.NoError(t, err)
	assert.Equal(t, events.TypePhotoDeleted, ev.Type)
	assert.JSONEq(t, `{"id":"p1","albumCode":"abc"}`, string(ev.Payload))

	resp = env.post(t, "/v1/events", map[string]any{"channel": "album-abc"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "type is required")
}

func TestMalformedBrokerPayloadIsForwardedVerbatim(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")
	env.subscribe(t, a, "user-alice")

	require.NoError(t, env.mem.Publish(context.Background(), "user-alice", "{not json"))
	assert.Equal(t, "{not json", readText(t, a))
}

func TestUnsubscribe(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")
	env.subscribe(t, a, "album-1")
	send(t, a, "subscribe", map[string]string{"channel": "album-2"})
	readReply(t, a)

	send(t, a, "unsubscribe", map[string]string{"channel": "album-1"})
	reply := readReply(t, a)
	assert.Equal(t, "unsubscribed", reply["action"])
	assert.Equal(t, []watcher.ChannelStats{{Channel: "album-2", Subscribers: 1, Listening: true}}, env.watcher.Channels())

	send(t, a, "unsubscribe", nil)
	readReply(t, a)
	assert.Empty(t, env.watcher.Channels())
}

func TestKeepAliveOverWebsocket(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")
	env.subscribe(t, a, "album-1")

	env.clock.Advance(50 * time.Second)
	send(t, a, "keepAlive", map[string][]string{"channels": {"album-1"}})
	// frames are handled in order, so the pong means keepAlive was applied
	send(t, a, "ping", nil)
	require.Equal(t, "pong", readReply(t, a)["action"])

	env.clock.Advance(20 * time.Second)
	env.watcher.Sweep()
	assert.Len(t, env.watcher.Channels(), 1)

	env.clock.Advance(time.Minute)
	env.watcher.Sweep()
	assert.Empty(t, env.watcher.Channels())
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.JSONEq(t, `{"type":"bad message"}`, readText(t, a))

	send(t, a, "dance", nil)
	assert.JSONEq(t, `{"action":"error","payload":{"message":"unknown action"}}`, readText(t, a))

	send(t, a, "subscribe", map[string]string{"channel": "bad channel!"})
	assert.Equal(t, "error", readReply(t, a)["action"])

	send(t, a, "ping", nil)
	assert.Equal(t, "pong", readReply(t, a)["action"], "connection survives protocol errors")
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")
	env.subscribe(t, a, "album-1")
	require.EqualValues(t, 1, env.gw.Connections())

	require.NoError(t, a.Close())

	require.Eventually(t, func() bool { return len(env.watcher.Channels()) == 0 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.mem.Subscribers("album-1") == 0 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.gw.Connections() == 0 }, waitFor, 5*time.Millisecond)
}

func TestPublishValidation(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.post(t, "/v1/publish", PublishRequest{Channel: "", Payload: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/v1/publish", map[string]string{"topic": "album-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/v1/publish", PublishRequest{Channel: "album-1", Payload: "nobody listening"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChannelsAndHealth(t *testing.T) {
	env := newTestEnv(t, false)
	a := env.dial(t, "")
	env.subscribe(t, a, "album-1")

	resp, err := http.Get(env.srv.URL + "/v1/channels")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Channels    []watcher.ChannelStats `json:"channels"`
		Count       int                    `json:"count"`
		Connections int                    `json:"connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, "album-1", body.Channels[0].Channel)

	health, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	require.NoError(t, env.mem.Close())
	degraded, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer degraded.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, degraded.StatusCode)
}

func TestWSSecretWithoutStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.RequireSecret = false
	mem := broker.NewMemory()
	w := watcher.New(mem, watcher.Options{}, nil)
	defer w.Close()
	gw, err := New(cfg, Dependencies{Broker: mem, Watcher: w}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/wssecret", strings.NewReader(`{"username":"alice"}`))
	gw.Routes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSecretHelpers(t *testing.T) {
	assert.Equal(t, "user:alice:uuid", SecretKey("alice"))
	a, b := NewSecret(), NewSecret()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)

	store, err := SecretStoreFor(broker.NewMemory())
	assert.NoError(t, err)
	assert.Nil(t, store)

	r, err := broker.NewRedis("redis://localhost:6379/0", logging.NewNopLogger())
	require.NoError(t, err)
	defer r.Close()
	store, err = SecretStoreFor(r)
	require.NoError(t, err)
	assert.IsType(t, &RedisSecretStore{}, store)
}
