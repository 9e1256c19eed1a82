// Package session runs one actor per accepted TCP connection: the handshake
// state machine, the login exchange, and the active message loop, with a
// dedicated writer goroutine draining a bounded outbound queue.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/accordchat/accord/internal/common"
	"github.com/accordchat/accord/internal/keys"
	"github.com/accordchat/accord/internal/logging"
	"github.com/accordchat/accord/internal/protocol"
	"github.com/accordchat/accord/internal/server/auth"
	"github.com/accordchat/accord/internal/server/command"
	"github.com/accordchat/accord/internal/server/hub"
	"github.com/accordchat/accord/internal/server/store"
)

const writeTimeout = 10 * time.Second

// Config carries the per-connection tunables.
type Config struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	FlushTimeout     time.Duration
	QueueSize        int
	HistoryReplay    int
	AutoRegister     bool
}

// Deps are the shared server components a session talks to.
type Deps struct {
	Logger   logging.Logger
	Hub      *hub.Hub
	Accounts store.AccountRepository
	Messages store.MessageRepository
	Access   *store.AuthCache
	Keys     *keys.Pair
	Commands *command.Dispatcher
}

// Session is the per-connection actor. The reader goroutine (Run) owns the
// phase machine and all inbound handling; the writer goroutine owns the
// socket writes once the connection is active.
type Session struct {
	cfg  Config
	deps Deps

	conn   net.Conn
	ip     string
	logger logging.Logger

	r *protocol.Reader
	w *protocol.Writer

	outbound chan protocol.Packet

	evictOnce   sync.Once
	evictReason string
	closing     chan struct{}

	username string
	operator bool

	wg sync.WaitGroup
}

func New(conn net.Conn, cfg Config, deps Deps) *Session {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	return &Session{
		cfg:      cfg,
		deps:     deps,
		conn:     conn,
		ip:       ip,
		logger:   deps.Logger.With("module", "session", "conn", uuid.NewString()[:8], "peer", ip),
		r:        protocol.NewReader(conn, protocol.Serverbound),
		w:        protocol.NewWriter(conn, protocol.Clientbound),
		outbound: make(chan protocol.Packet, cfg.QueueSize),
		closing:  make(chan struct{}),
	}
}

// Send enqueues a packet without blocking. Implements hub.Handle.
func (s *Session) Send(p protocol.Packet) bool {
	select {
	case s.outbound <- p:
		return true
	default:
		return false
	}
}

// Evict asks the session to close. The writer flushes the queue within the
// flush budget and drops the socket. Implements hub.Handle.
func (s *Session) Evict(reason string) {
	s.evictOnce.Do(func() {
		s.evictReason = reason
		close(s.closing)
		// Unblock a parked reader at once and cap any in-flight or flush
		// write at the flush budget.
		now := time.Now()
		_ = s.conn.SetReadDeadline(now)
		_ = s.conn.SetWriteDeadline(now.Add(s.cfg.FlushTimeout))
	})
}

func (s *Session) evicted() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Username implements command.Sender.
func (s *Session) Username() string { return s.username }

// IsOperator implements command.Sender. The flag is loaded from the store at
// login and cached for the lifetime of the connection.
func (s *Session) IsOperator() bool { return s.operator }

// Reply implements command.Sender: a server notice visible only to this
// connection.
func (s *Session) Reply(text string) {
	s.Send(protocol.Message{Sender: command.ServerSender, Body: text})
}

// Run drives the connection to completion and returns when the socket is
// closed and the writer has stopped.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.conn.Close()
		if s.username != "" {
			s.deps.Hub.Deregister(s.username, s)
			s.deps.Hub.Broadcast(protocol.Message{
				Sender: command.ServerSender,
				Body:   s.username + " left the chat",
			})
		}
		s.logger.Info(ctx, "connection closed", "user", s.username, "reason", s.closeReason())
	}()

	s.logger.Debug(ctx, "connection accepted")

	if err := s.handshake(ctx); err != nil {
		s.logger.Debug(ctx, "handshake failed", "error", err)
		return
	}

	if err := s.login(ctx); err != nil {
		s.logger.Debug(ctx, "login failed", "error", err)
		return
	}

	s.logger.Info(ctx, "logged in", "user", s.username, "operator", s.operator)
	s.deps.Hub.Broadcast(protocol.Message{
		Sender: command.ServerSender,
		Body:   s.username + " joined the chat",
	})

	s.wg.Add(1)
	go s.writeLoop(ctx)

	s.readLoop(ctx)

	s.Evict("connection closing")
	s.wg.Wait()
}

func (s *Session) closeReason() string {
	select {
	case <-s.closing:
		return s.evictReason
	default:
		return "disconnect"
	}
}

// writeSync writes directly from the reader goroutine. Only valid before the
// writer goroutine starts, i.e. during handshake and login.
func (s *Session) writeSync(p protocol.Packet) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.w.WritePacket(p)
}

func (s *Session) readWithDeadline(d time.Duration) (protocol.Packet, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	return s.r.ReadPacket()
}

// handshake runs AwaitingHandshake and AwaitingEncryptionConfirm. On return
// without error both directions are encrypted with the session key.
func (s *Session) handshake(ctx context.Context) error {
	p, err := s.readWithDeadline(s.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	hs, ok := p.(protocol.Handshake)
	if !ok {
		_ = s.writeSync(protocol.Error{Code: protocol.ErrCodeProtocol, Detail: "handshake expected"})
		return errors.New("unexpected packet in handshake phase")
	}

	pubDER, err := s.deps.Keys.PublicDER()
	if err != nil {
		return err
	}
	var serverNonce [protocol.NonceSize]byte
	copy(serverNonce[:], common.GenerateRandByteArray(protocol.NonceSize))

	if err := s.writeSync(protocol.ServerPubKey{PubKeyDER: pubDER, ServerNonce: serverNonce}); err != nil {
		return err
	}

	p, err = s.readWithDeadline(s.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}
	req, ok := p.(protocol.EncryptionRequest)
	if !ok {
		_ = s.writeSync(protocol.Error{Code: protocol.ErrCodeProtocol, Detail: "encryption request expected"})
		return errors.New("unexpected packet in encryption phase")
	}

	sessionKey, err := s.deps.Keys.Decrypt(req.EncSessionKey)
	if err != nil {
		return errors.New("session key does not decrypt")
	}
	defer common.WipeByteArray(sessionKey)

	echo, err := s.deps.Keys.Decrypt(req.EncNonceEcho)
	if err != nil {
		return errors.New("nonce echo does not decrypt")
	}
	if subtle.ConstantTimeCompare(echo, hs.ClientNonce[:]) != 1 {
		return errors.New("nonce echo mismatch")
	}
	if len(sessionKey) != protocol.SessionKeySize {
		return errors.New("session key has wrong length")
	}

	// Both directions switch over before any further byte hits the wire.
	if err := s.r.SetSessionKey(sessionKey); err != nil {
		return err
	}
	if err := s.w.SetSessionKey(sessionKey); err != nil {
		return err
	}

	return s.writeSync(protocol.EncryptionAck{})
}

// loginFail reports the failure to the client and returns an error carrying
// the same reason, closing the connection.
func (s *Session) loginFail(reason string) error {
	_ = s.writeSync(protocol.LoginFail{Reason: reason})
	return errors.New("login failed: " + reason)
}

// login runs AwaitingLogin: authentication, authorization, hub registration
// and history replay.
func (s *Session) login(ctx context.Context) error {
	p, err := s.readWithDeadline(s.cfg.HandshakeTimeout)
	if err != nil {
		return err
	}

	var username, password string
	var explicitRegister bool
	switch v := p.(type) {
	case protocol.Login:
		username, password = v.Username, v.Password
	case protocol.Register:
		username, password = v.Username, v.Password
		explicitRegister = true
	default:
		_ = s.writeSync(protocol.Error{Code: protocol.ErrCodeProtocol, Detail: "login expected"})
		return errors.New("unexpected packet in login phase")
	}

	if !protocol.ValidUsername(username) {
		return s.loginFail("invalid username")
	}

	for _, needle := range []string{username, s.ip} {
		banned, err := s.deps.Access.IsBanned(ctx, needle)
		if err != nil {
			return s.loginFail("server error")
		}
		if banned {
			return s.loginFail("banned")
		}
	}

	enabled, err := s.deps.Access.WhitelistEnabled(ctx)
	if err != nil {
		return s.loginFail("server error")
	}
	if enabled && !s.deps.Access.Whitelisted(username) {
		return s.loginFail("not whitelisted")
	}

	acct, err := s.deps.Accounts.Get(ctx, username)
	switch {
	case err == nil:
		if explicitRegister {
			return s.loginFail("account exists")
		}
		if !s.verify(password, acct) {
			return s.loginFail("incorrect password")
		}
	case errors.Is(err, common.ErrNotFound):
		if !explicitRegister && !s.cfg.AutoRegister {
			return s.loginFail("unknown user")
		}
		if err := s.register(ctx, username, password); err != nil {
			return err
		}
	default:
		return s.loginFail("server error")
	}

	if err := s.deps.Hub.Register(username, s); err != nil {
		return s.loginFail("already online")
	}
	s.username = username
	s.operator = s.deps.Access.IsOperator(username)

	if err := s.writeSync(protocol.LoginAck{}); err != nil {
		return err
	}
	s.replayHistory(ctx)
	return nil
}

func (s *Session) verify(password string, acct *store.Account) bool {
	return auth.VerifyPassword(password, acct.Salt, acct.PasswordHash)
}

func (s *Session) register(ctx context.Context, username, password string) error {
	salt := auth.NewSalt()
	acct := &store.Account{
		Username:     username,
		PasswordHash: auth.HashPassword(password, salt),
		Salt:         salt,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.deps.Accounts.Create(ctx, acct); err != nil {
		if errors.Is(err, common.ErrDuplicate) {
			return s.loginFail("account exists")
		}
		return s.loginFail("server error")
	}
	s.logger.Info(ctx, "account created", "user", username)
	return nil
}

// replayHistory sends the most recent persisted messages to the fresh
// login, oldest first. Failure here is not fatal: the client can always
// page explicitly.
func (s *Session) replayHistory(ctx context.Context) {
	if s.cfg.HistoryReplay <= 0 {
		return
	}
	records, err := s.deps.Messages.LoadRecent(ctx, s.cfg.HistoryReplay)
	if err != nil {
		s.logger.Warn(ctx, "history replay failed", "error", err)
		return
	}
	for _, rec := range records {
		if err := s.writeSync(recordToPacket(rec)); err != nil {
			return
		}
	}
}

func recordToPacket(rec store.MessageRecord) protocol.Packet {
	if rec.Kind == protocol.KindImage {
		return protocol.ImageMessage{Sender: rec.Sender, Data: rec.Body}
	}
	return protocol.Message{Sender: rec.Sender, Body: string(rec.Body)}
}

// readLoop is the Active phase. Each inbound packet resets the idle timer.
func (s *Session) readLoop(ctx context.Context) {
	for {
		select {
		case <-s.closing:
			return
		default:
		}

		p, err := s.readWithDeadline(s.cfg.IdleTimeout)
		if err != nil {
			s.classifyReadError(ctx, err)
			return
		}

		switch v := p.(type) {
		case protocol.Message:
			s.handleMessage(ctx, v.Body)
		case protocol.ImageMessage:
			s.handleImage(ctx, v.Data)
		case protocol.HistoryRequest:
			s.handleHistory(ctx, v)
		case protocol.Ping:
			s.Send(protocol.Pong{Nonce: v.Nonce})
		case protocol.Pong:
			// keepalive reply; the read already reset the idle timer
		default:
			s.Send(protocol.Error{Code: protocol.ErrCodeProtocol, Detail: "unexpected packet"})
			s.Evict("protocol error")
			return
		}
	}
}

func (s *Session) classifyReadError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, protocol.ErrFormat),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrDecrypt):
		s.logger.Warn(ctx, "fatal protocol error", "user", s.username, "error", err)
		s.Evict("protocol error")
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.Evict("idle timeout")
			return
		}
		s.Evict("read error")
	}
}

func (s *Session) handleMessage(ctx context.Context, body string) {
	if strings.HasPrefix(body, "/") {
		s.deps.Commands.Handle(ctx, s, body)
		return
	}
	if !validBody(body) {
		s.Reply("invalid message")
		return
	}

	// Persist first: observers must never see a message that is not yet
	// durable.
	if _, err := s.deps.Messages.Append(ctx, s.username, protocol.KindText, []byte(body)); err != nil {
		s.logger.Error(ctx, "message persist failed", "user", s.username, "error", err)
		s.Send(protocol.Error{Code: protocol.ErrCodeStorage, Detail: "message not saved"})
		return
	}
	s.deps.Hub.Broadcast(protocol.Message{Sender: s.username, Body: body})
}

func (s *Session) handleImage(ctx context.Context, data []byte) {
	if len(data) == 0 || len(data) > protocol.MaxImage {
		s.Send(protocol.Error{Code: protocol.ErrCodeProtocol, Detail: "bad image size"})
		return
	}

	if _, err := s.deps.Messages.Append(ctx, s.username, protocol.KindImage, data); err != nil {
		s.logger.Error(ctx, "image persist failed", "user", s.username, "error", err)
		s.Send(protocol.Error{Code: protocol.ErrCodeStorage, Detail: "image not saved"})
		return
	}
	s.deps.Hub.Broadcast(protocol.ImageMessage{Sender: s.username, Data: data})
}

func (s *Session) handleHistory(ctx context.Context, req protocol.HistoryRequest) {
	count := int(req.Count)
	if count > protocol.MaxHistoryCount {
		count = protocol.MaxHistoryCount
	}

	var (
		records []store.MessageRecord
		err     error
	)
	if req.BeforeID == 0 {
		records, err = s.deps.Messages.LoadRecent(ctx, count)
	} else {
		records, err = s.deps.Messages.LoadBefore(ctx, req.BeforeID, count)
	}
	if err != nil {
		s.logger.Error(ctx, "history query failed", "user", s.username, "error", err)
		s.Send(protocol.Error{Code: protocol.ErrCodeStorage, Detail: "history unavailable"})
		return
	}

	out := make([]protocol.MessageRecord, len(records))
	for i, rec := range records {
		out[i] = protocol.MessageRecord{
			ID:     rec.ID,
			Sender: rec.Sender,
			Kind:   rec.Kind,
			Body:   rec.Body,
			SentAt: uint64(rec.SentAt.Unix()),
		}
	}
	s.Send(protocol.HistoryChunk{Records: out})
}

// writeLoop drains the outbound queue. On eviction or server shutdown it
// flushes whatever is queued within the flush budget, then closes the
// socket, which also unblocks the reader.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	defer s.conn.Close()

	for {
		select {
		case p := <-s.outbound:
			if !s.evicted() {
				if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
			if err := s.w.WritePacket(p); err != nil {
				s.Evict("write error")
				return
			}
		case <-s.closing:
			s.flush()
			return
		case <-ctx.Done():
			s.Evict("server shutting down")
			s.flush()
			return
		}
	}
}

func (s *Session) flush() {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.FlushTimeout)); err != nil {
		return
	}
	for {
		select {
		case p := <-s.outbound:
			if err := s.w.WritePacket(p); err != nil {
				return
			}
		default:
			return
		}
	}
}

// validBody rejects empty bodies and control characters.
func validBody(body string) bool {
	if body == "" {
		return false
	}
	for _, r := range body {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}
