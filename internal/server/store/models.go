package store

import "time"

// Account is one registered user.
type Account struct {
	Username     string
	PasswordHash []byte
	Salt         []byte
	CreatedAt    time.Time
}

// MessageRecord is one persisted chat message. IDs are assigned by the
// backend and are strictly increasing across the lifetime of the server,
// including restarts.
type MessageRecord struct {
	ID     uint64
	Sender string
	Kind   uint8
	Body   []byte
	SentAt time.Time
}

// Ban is one ban-list entry. IP is optional.
type Ban struct {
	Username string
	IP       string
	Reason   string
}
