package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/accordchat/accord/internal/common"
	"github.com/accordchat/accord/internal/keys"
	"github.com/accordchat/accord/internal/logging"
	"github.com/accordchat/accord/internal/protocol"
	"github.com/accordchat/accord/internal/server/auth"
	"github.com/accordchat/accord/internal/server/command"
	"github.com/accordchat/accord/internal/server/hub"
	"github.com/accordchat/accord/internal/server/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Generating RSA keys is the slow part; one pair serves every test.
var testKeys *keys.Pair

func TestMain(m *testing.M) {
	var err error
	testKeys, err = keys.Generate()
	if err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type testServer struct {
	t       *testing.T
	ctx     context.Context
	cfg     Config
	deps    Deps
	manager *store.MemoryManager
	access  *store.AuthCache
	hub     *hub.Hub
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	manager := store.NewMemoryManager()
	access := store.NewAuthCache(manager.Access())
	require.NoError(t, access.Warm(context.Background()))
	h := hub.New(logger)

	cfg := Config{
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      2 * time.Second,
		FlushTimeout:     300 * time.Millisecond,
		QueueSize:        64,
		HistoryReplay:    0,
		AutoRegister:     false,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &testServer{
		t:       t,
		ctx:     ctx,
		cfg:     cfg,
		manager: manager,
		access:  access,
		hub:     h,
		deps: Deps{
			Logger:   logger,
			Hub:      h,
			Accounts: manager.Accounts(),
			Messages: manager.Messages(),
			Access:   access,
			Keys:     testKeys,
			Commands: command.NewDispatcher(h, access, logger),
		},
	}
}

// seedAccount creates an account directly in the store.
func (ts *testServer) seedAccount(username, password string) {
	ts.t.Helper()
	salt := auth.NewSalt()
	err := ts.manager.Accounts().Create(context.Background(), &store.Account{
		Username:     username,
		PasswordHash: auth.HashPassword(password, salt),
		Salt:         salt,
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(ts.t, err)
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *protocol.Reader
	w    *protocol.Writer
}

// dial wires a fresh client to a fresh session over an in-memory pipe.
func (ts *testServer) dial() *testClient {
	ts.t.Helper()
	clientConn, serverConn := net.Pipe()

	s := New(serverConn, ts.cfg, ts.deps)
	go s.Run(ts.ctx)

	c := &testClient{
		t:    ts.t,
		conn: clientConn,
		r:    protocol.NewReader(clientConn, protocol.Clientbound),
		w:    protocol.NewWriter(clientConn, protocol.Serverbound),
	}
	ts.t.Cleanup(func() { _ = clientConn.Close() })
	return c
}

func (c *testClient) send(p protocol.Packet) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(c.t, c.w.WritePacket(p))
}

func (c *testClient) read() (protocol.Packet, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return nil, err
	}
	return c.r.ReadPacket()
}

func (c *testClient) mustRead() protocol.Packet {
	c.t.Helper()
	p, err := c.read()
	require.NoError(c.t, err)
	return p
}

// expectMessage reads packets until a chat message from the given sender
// arrives, skipping server notices.
func (c *testClient) expectMessage(sender string) protocol.Message {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		p := c.mustRead()
		if m, ok := p.(protocol.Message); ok && m.Sender == sender {
			return m
		}
	}
	c.t.Fatalf("no message from %s", sender)
	return protocol.Message{}
}

// handshake performs the three-message key exchange.
func (c *testClient) handshake() {
	c.t.Helper()

	var nonce [protocol.NonceSize]byte
	copy(nonce[:], common.GenerateRandByteArray(protocol.NonceSize))
	c.send(protocol.Handshake{ClientNonce: nonce})

	p := c.mustRead()
	spk, ok := p.(protocol.ServerPubKey)
	require.True(c.t, ok, "expected ServerPubKey, got %T", p)
	require.NotEmpty(c.t, spk.PubKeyDER)

	sessionKey := common.GenerateRandByteArray(protocol.SessionKeySize)
	encKey, err := keys.EncryptTo(spk.PubKeyDER, sessionKey)
	require.NoError(c.t, err)
	encEcho, err := keys.EncryptTo(spk.PubKeyDER, nonce[:])
	require.NoError(c.t, err)

	c.send(protocol.EncryptionRequest{EncSessionKey: encKey, EncNonceEcho: encEcho})
	require.NoError(c.t, c.w.SetSessionKey(sessionKey))
	require.NoError(c.t, c.r.SetSessionKey(sessionKey))

	p = c.mustRead()
	_, ok = p.(protocol.EncryptionAck)
	require.True(c.t, ok, "expected EncryptionAck, got %T", p)
}

func (c *testClient) login(username, password string) protocol.Packet {
	c.t.Helper()
	c.send(protocol.Login{Username: username, Password: password})
	return c.mustRead()
}

func (c *testClient) register(username, password string) protocol.Packet {
	c.t.Helper()
	c.send(protocol.Register{Username: username, Password: password})
	return c.mustRead()
}

func (c *testClient) connectAs(username, password string) {
	c.t.Helper()
	c.handshake()
	p := c.login(username, password)
	require.IsType(c.t, protocol.LoginAck{}, p)
}

func TestHappyPath_RegisterAndBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.dial()
	a.handshake()
	require.IsType(t, protocol.LoginAck{}, a.register("alice", "hunter2"))

	b := ts.dial()
	b.handshake()
	require.IsType(t, protocol.LoginAck{}, b.register("bob", "pw1234"))

	a.send(protocol.Message{Body: "hello"})

	got := b.expectMessage("alice")
	assert.Equal(t, "hello", got.Body)

	// The sender observes their own broadcast too.
	got = a.expectMessage("alice")
	assert.Equal(t, "hello", got.Body)
}

func TestHistoryRequest_ReturnsDurableMessage(t *testing.T) {
	ts := newTestServer(t, nil)

	a := ts.dial()
	a.handshake()
	require.IsType(t, protocol.LoginAck{}, a.register("alice", "hunter2"))
	a.send(protocol.Message{Body: "hello"})
	a.expectMessage("alice")

	// A client that connects after the send finds the message via history.
	b := ts.dial()
	b.handshake()
	require.IsType(t, protocol.LoginAck{}, b.register("bob", "pw1234"))
	b.send(protocol.HistoryRequest{BeforeID: 0, Count: 10})

	for i := 0; i < 32; i++ {
		p := b.mustRead()
		if chunk, ok := p.(protocol.HistoryChunk); ok {
			require.Len(t, chunk.Records, 1)
			assert.Equal(t, "alice", chunk.Records[0].Sender)
			assert.Equal(t, []byte("hello"), chunk.Records[0].Body)
			return
		}
	}
	t.Fatal("no history chunk received")
}

func TestDuplicateLogin_SecondRejectedFirstUnaffected(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("alice", "hunter2")

	first := ts.dial()
	first.connectAs("alice", "hunter2")

	second := ts.dial()
	second.handshake()
	p := second.login("alice", "hunter2")
	fail, ok := p.(protocol.LoginFail)
	require.True(t, ok, "expected LoginFail, got %T", p)
	assert.Equal(t, "already online", fail.Reason)

	// The first connection still works.
	first.send(protocol.Message{Body: "still here"})
	got := first.expectMessage("alice")
	assert.Equal(t, "still here", got.Body)
}

func TestBanMidSession_KickThenLoginRefused(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("root", "rootpw")
	ts.seedAccount("alice", "hunter2")
	require.NoError(t, ts.access.AddOperator(context.Background(), "root"))

	op := ts.dial()
	op.connectAs("root", "rootpw")

	alice := ts.dial()
	alice.connectAs("alice", "hunter2")

	op.send(protocol.Message{Body: "/ban alice spam"})

	// Alice gets the kick and then the connection dies.
	var kicked bool
	for i := 0; i < 32; i++ {
		p, err := alice.read()
		if err != nil {
			break
		}
		if k, ok := p.(protocol.Kick); ok {
			assert.Equal(t, "spam", k.Reason)
			kicked = true
		}
	}
	assert.True(t, kicked, "alice never received the Kick packet")

	// A fresh login attempt is refused.
	again := ts.dial()
	again.handshake()
	p := again.login("alice", "hunter2")
	fail, ok := p.(protocol.LoginFail)
	require.True(t, ok, "expected LoginFail, got %T", p)
	assert.Equal(t, "banned", fail.Reason)
}

func TestWhitelist_GatesLogins(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("alice", "hunter2")
	ts.seedAccount("bob", "pw1234")
	require.NoError(t, ts.access.SetWhitelistEnabled(context.Background(), true))
	require.NoError(t, ts.access.AddWhitelist(context.Background(), "alice"))

	bob := ts.dial()
	bob.handshake()
	p := bob.login("bob", "pw1234")
	fail, ok := p.(protocol.LoginFail)
	require.True(t, ok, "expected LoginFail, got %T", p)
	assert.Equal(t, "not whitelisted", fail.Reason)

	alice := ts.dial()
	alice.handshake()
	require.IsType(t, protocol.LoginAck{}, alice.login("alice", "hunter2"))
}

func TestHistoryPagination(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	for i := 1; i <= 250; i++ {
		_, err := ts.manager.Messages().Append(ctx, "alice", protocol.KindText, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	ts.seedAccount("bob", "pw1234")

	bob := ts.dial()
	bob.connectAs("bob", "pw1234")

	bob.send(protocol.HistoryRequest{BeforeID: 0, Count: 100})
	chunk := bob.expectHistoryChunk()
	require.Len(t, chunk.Records, 100)
	assert.Equal(t, uint64(151), chunk.Records[0].ID)
	assert.Equal(t, uint64(250), chunk.Records[99].ID)

	bob.send(protocol.HistoryRequest{BeforeID: chunk.Records[0].ID, Count: 100})
	chunk = bob.expectHistoryChunk()
	require.Len(t, chunk.Records, 100)
	assert.Equal(t, uint64(51), chunk.Records[0].ID)
	assert.Equal(t, uint64(150), chunk.Records[99].ID)
}

func (c *testClient) expectHistoryChunk() protocol.HistoryChunk {
	c.t.Helper()
	for i := 0; i < 32; i++ {
		p := c.mustRead()
		if chunk, ok := p.(protocol.HistoryChunk); ok {
			return chunk
		}
	}
	c.t.Fatal("no history chunk received")
	return protocol.HistoryChunk{}
}

func TestSlowClientEvicted_OthersKeepReceiving(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.QueueSize = 4
	})
	ts.seedAccount("fast", "pw1234")
	ts.seedAccount("slow", "pw1234")

	fast := ts.dial()
	fast.connectAs("fast", "pw1234")
	slow := ts.dial()
	slow.connectAs("slow", "pw1234")

	// The slow client stops reading entirely while broadcasts pile up well
	// past its queue capacity.
	for i := 0; i < 12; i++ {
		fast.send(protocol.Message{Body: fmt.Sprintf("m%d", i)})
		fast.expectMessage("fast")
	}

	require.Eventually(t, func() bool {
		return len(ts.hub.ListOnline()) == 1
	}, 3*time.Second, 20*time.Millisecond, "slow client was not evicted")
	assert.Equal(t, []string{"fast"}, ts.hub.ListOnline())

	// The survivor still receives broadcasts.
	fast.send(protocol.Message{Body: "after eviction"})
	got := fast.expectMessage("fast")
	assert.Equal(t, "after eviction", got.Body)
}

func TestLoginValidation(t *testing.T) {
	tests := []struct {
		name     string
		username string
		want     string
	}{
		{"too short", "ab", "invalid username"},
		{"too long", strings.Repeat("a", 19), "invalid username"},
		{"bad characters", "bad name!", "invalid username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			c := ts.dial()
			c.handshake()
			p := c.login(tt.username, "pw1234")
			fail, ok := p.(protocol.LoginFail)
			require.True(t, ok, "expected LoginFail, got %T", p)
			assert.Equal(t, tt.want, fail.Reason)
		})
	}
}

func TestLoginBoundaryUsernames(t *testing.T) {
	ts := newTestServer(t, nil)

	for _, username := range []string{"abc", strings.Repeat("a", 18)} {
		c := ts.dial()
		c.handshake()
		require.IsType(t, protocol.LoginAck{}, c.register(username, "pw1234"), "username %q", username)
	}
}

func TestExplicitRegistrationRequiredByDefault(t *testing.T) {
	ts := newTestServer(t, nil)

	c := ts.dial()
	c.handshake()
	p := c.login("newuser", "pw1234")
	fail, ok := p.(protocol.LoginFail)
	require.True(t, ok, "expected LoginFail, got %T", p)
	assert.Equal(t, "unknown user", fail.Reason)
}

func TestAutoRegister_WhenEnabled(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.AutoRegister = true
	})

	c := ts.dial()
	c.handshake()
	require.IsType(t, protocol.LoginAck{}, c.login("newuser", "pw1234"))

	// The account is durable now.
	_, err := ts.manager.Accounts().Get(context.Background(), "newuser")
	require.NoError(t, err)
}

func TestRegister_ExistingAccountRefused(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("alice", "hunter2")

	c := ts.dial()
	c.handshake()
	p := c.register("alice", "other")
	fail, ok := p.(protocol.LoginFail)
	require.True(t, ok, "expected LoginFail, got %T", p)
	assert.Equal(t, "account exists", fail.Reason)
}

func TestLogin_WrongPassword(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("alice", "hunter2")

	c := ts.dial()
	c.handshake()
	p := c.login("alice", "wrong")
	fail, ok := p.(protocol.LoginFail)
	require.True(t, ok, "expected LoginFail, got %T", p)
	assert.Equal(t, "incorrect password", fail.Reason)
}

func TestHandshake_WrongPacketClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)

	c := ts.dial()
	c.send(protocol.Ping{Nonce: 1})

	p := c.mustRead()
	e, ok := p.(protocol.Error)
	require.True(t, ok, "expected Error, got %T", p)
	assert.Equal(t, protocol.ErrCodeProtocol, e.Code)

	_, err := c.read()
	require.Error(t, err)
}

func TestHandshake_Timeout(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.HandshakeTimeout = 150 * time.Millisecond
	})

	c := ts.dial()
	// Say nothing; the server must give up on its own.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadPacket()
	require.Error(t, err)
}

func TestHandshake_BadNonceEchoRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	c := ts.dial()
	var nonce [protocol.NonceSize]byte
	copy(nonce[:], common.GenerateRandByteArray(protocol.NonceSize))
	c.send(protocol.Handshake{ClientNonce: nonce})

	spk := c.mustRead().(protocol.ServerPubKey)

	sessionKey := common.GenerateRandByteArray(protocol.SessionKeySize)
	encKey, err := keys.EncryptTo(spk.PubKeyDER, sessionKey)
	require.NoError(t, err)
	wrongEcho, err := keys.EncryptTo(spk.PubKeyDER, []byte("not the nonce bytes"))
	require.NoError(t, err)

	c.send(protocol.EncryptionRequest{EncSessionKey: encKey, EncNonceEcho: wrongEcho})

	_, err = c.read()
	require.Error(t, err, "server must close on nonce mismatch")
}

func TestOversizedFrame_ClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.dial()

	// Announce a frame one byte past the limit.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], protocol.MaxFrame+1)
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(time.Second)))
	_, err := c.conn.Write(hdr[:])
	require.NoError(t, err)

	_, err = c.read()
	require.Error(t, err)
}

func TestActive_PingPong(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("alice", "hunter2")

	c := ts.dial()
	c.connectAs("alice", "hunter2")

	c.send(protocol.Ping{Nonce: 99})
	for i := 0; i < 32; i++ {
		p := c.mustRead()
		if pong, ok := p.(protocol.Pong); ok {
			assert.Equal(t, uint32(99), pong.Nonce)
			return
		}
	}
	t.Fatal("no pong received")
}

func TestActive_LoginPacketIsProtocolError(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("alice", "hunter2")

	c := ts.dial()
	c.connectAs("alice", "hunter2")

	c.send(protocol.Login{Username: "alice", Password: "hunter2"})

	var sawError bool
	for i := 0; i < 32; i++ {
		p, err := c.read()
		if err != nil {
			break
		}
		if e, ok := p.(protocol.Error); ok && e.Code == protocol.ErrCodeProtocol {
			sawError = true
		}
	}
	assert.True(t, sawError, "expected a protocol Error before the close")
}

func TestHistoryReplay_OnLogin(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) {
		cfg.HistoryReplay = 5
	})
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		_, err := ts.manager.Messages().Append(ctx, "alice", protocol.KindText, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	ts.seedAccount("bob", "pw1234")

	c := ts.dial()
	c.handshake()
	require.IsType(t, protocol.LoginAck{}, c.login("bob", "pw1234"))

	// The five newest messages arrive oldest-first right after LoginAck.
	for i := 4; i <= 8; i++ {
		got := c.expectMessage("alice")
		assert.Equal(t, fmt.Sprintf("m%d", i), got.Body)
	}
}

func TestPersistFailure_AbortsBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedAccount("alice", "hunter2")
	ts.seedAccount("bob", "pw1234")

	failing := &failingMessages{MessageRepository: ts.manager.Messages()}
	ts.deps.Messages = failing

	alice := ts.dial()
	alice.connectAs("alice", "hunter2")
	bob := ts.dial()
	bob.connectAs("bob", "pw1234")

	failing.fail = true
	alice.send(protocol.Message{Body: "doomed"})

	// Alice gets a storage error; nothing is broadcast.
	var sawStorageError bool
	for i := 0; i < 32; i++ {
		p, err := alice.read()
		if err != nil {
			break
		}
		if e, ok := p.(protocol.Error); ok && e.Code == protocol.ErrCodeStorage {
			sawStorageError = true
			break
		}
	}
	assert.True(t, sawStorageError)

	// The connection survives and later messages still flow.
	failing.fail = false
	alice.send(protocol.Message{Body: "recovered"})
	got := bob.expectMessage("alice")
	assert.Equal(t, "recovered", got.Body)
}

type failingMessages struct {
	store.MessageRepository
	fail bool
}

func (f *failingMessages) Append(ctx context.Context, sender string, kind uint8, body []byte) (*store.MessageRecord, error) {
	if f.fail {
		return nil, fmt.Errorf("db error: connection lost")
	}
	return f.MessageRepository.Append(ctx, sender, kind, body)
}
