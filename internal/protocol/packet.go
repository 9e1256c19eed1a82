// Package protocol implements the Accord wire format: typed packets encoded
// into length-prefixed binary frames, with an optional symmetric encryption
// layer that is installed once a session key has been negotiated.
package protocol

import "regexp"

// Packet tags. One byte at the start of every frame payload.
const (
	TagHandshake         byte = 0x01
	TagServerPubKey      byte = 0x02
	TagEncryptionRequest byte = 0x03
	TagEncryptionAck     byte = 0x04
	TagLogin             byte = 0x10
	TagRegister          byte = 0x11
	TagLoginAck          byte = 0x12
	TagLoginFail         byte = 0x13
	TagMessage           byte = 0x20
	TagImageMessage      byte = 0x21
	TagHistoryRequest    byte = 0x22
	TagHistoryChunk      byte = 0x23
	TagPing              byte = 0x30
	TagPong              byte = 0x31
	TagKick              byte = 0x40
	TagError             byte = 0xFF
)

// Error codes carried by the Error packet.
const (
	ErrCodeProtocol byte = 0x01
	ErrCodeStorage  byte = 0x02
	ErrCodeCommand  byte = 0x03
)

// Wire limits.
const (
	// MaxFrame is the hard cap on an announced frame length. A larger
	// length is a fatal framing error.
	MaxFrame = 16 << 20

	// MaxBody is the maximum chat message body, in bytes.
	MaxBody = 2048

	// MaxImage is the maximum image payload, in bytes.
	MaxImage = 4 << 20

	// MaxHistoryCount is the largest page a HistoryRequest may ask for.
	MaxHistoryCount = 100

	// NonceSize is the length of handshake nonces.
	NonceSize = 16
)

// Message record kinds.
const (
	KindText  uint8 = 0
	KindImage uint8 = 1
)

// usernameRe matches valid account names: 3-18 chars of [A-Za-z0-9_].
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_]{3,18}$`)

// ValidUsername reports whether u is an acceptable account name.
func ValidUsername(u string) bool {
	return usernameRe.MatchString(u)
}

// Packet is a decoded wire packet. The concrete type determines the variant;
// dispatch with a type switch.
type Packet interface {
	Tag() byte
}

// Direction selects which packet set a codec speaks. The Message and
// ImageMessage variants carry a sender only clientbound, so encode and
// decode must know which side of the connection they are on.
type Direction int

const (
	// Serverbound packets travel client to server.
	Serverbound Direction = iota
	// Clientbound packets travel server to client.
	Clientbound
)

// --- Handshake phase ---

// Handshake opens the key exchange (client to server).
type Handshake struct {
	ClientNonce [NonceSize]byte
}

func (Handshake) Tag() byte { return TagHandshake }

// ServerPubKey answers a Handshake with the server's long-lived public key
// in DER form and a fresh server nonce.
type ServerPubKey struct {
	PubKeyDER   []byte
	ServerNonce [NonceSize]byte
}

func (ServerPubKey) Tag() byte { return TagServerPubKey }

// EncryptionRequest delivers the client-chosen session key and the echo of
// the client nonce, both encrypted to the server's public key.
type EncryptionRequest struct {
	EncSessionKey []byte
	EncNonceEcho  []byte
}

func (EncryptionRequest) Tag() byte { return TagEncryptionRequest }

// EncryptionAck confirms the session key. It is the first encrypted packet.
type EncryptionAck struct{}

func (EncryptionAck) Tag() byte { return TagEncryptionAck }

// --- Login phase ---

type Login struct {
	Username string
	Password string
}

func (Login) Tag() byte { return TagLogin }

type Register struct {
	Username string
	Password string
}

func (Register) Tag() byte { return TagRegister }

type LoginAck struct{}

func (LoginAck) Tag() byte { return TagLoginAck }

type LoginFail struct {
	Reason string
}

func (LoginFail) Tag() byte { return TagLoginFail }

// --- Active phase ---

// Message is a chat message. Sender is set only on clientbound packets;
// serverbound encodes just the body.
type Message struct {
	Sender string
	Body   string
}

func (Message) Tag() byte { return TagMessage }

// ImageMessage carries raw image bytes. Sender is clientbound-only,
// like Message.
type ImageMessage struct {
	Sender string
	Data   []byte
}

func (ImageMessage) Tag() byte { return TagImageMessage }

// HistoryRequest asks for up to Count messages older than BeforeID.
// BeforeID zero means "latest".
type HistoryRequest struct {
	BeforeID uint64
	Count    uint16
}

func (HistoryRequest) Tag() byte { return TagHistoryRequest }

// MessageRecord is the wire form of one persisted message.
type MessageRecord struct {
	ID     uint64
	Sender string
	Kind   uint8
	Body   []byte
	SentAt uint64
}

// HistoryChunk answers a HistoryRequest with records in chronological order.
type HistoryChunk struct {
	Records []MessageRecord
}

func (HistoryChunk) Tag() byte { return TagHistoryChunk }

// Ping and Pong are valid in both directions.
type Ping struct {
	Nonce uint32
}

func (Ping) Tag() byte { return TagPing }

type Pong struct {
	Nonce uint32
}

func (Pong) Tag() byte { return TagPong }

// Kick tells the client it is being disconnected.
type Kick struct {
	Reason string
}

func (Kick) Tag() byte { return TagKick }

// Error reports a server-side failure to the client.
type Error struct {
	Code   byte
	Detail string
}

func (Error) Tag() byte { return TagError }
