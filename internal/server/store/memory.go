package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/accordchat/accord/internal/common"
)

// MemoryManager is the in-process backend used by tests and local
// experiments. It honors the same contracts as the SQL backends, including
// strictly increasing message IDs.
type MemoryManager struct {
	mu sync.Mutex

	accounts  map[string]Account
	messages  []MessageRecord
	nextID    uint64
	bans      map[string]Ban
	whitelist map[string]struct{}
	operators map[string]struct{}
	wlEnabled bool
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		accounts:  make(map[string]Account),
		nextID:    1,
		bans:      make(map[string]Ban),
		whitelist: make(map[string]struct{}),
		operators: make(map[string]struct{}),
	}
}

func (m *MemoryManager) Accounts() AccountRepository { return (*memoryAccounts)(m) }
func (m *MemoryManager) Messages() MessageRepository { return (*memoryMessages)(m) }
func (m *MemoryManager) Access() AccessRepository    { return (*memoryAccess)(m) }

func (m *MemoryManager) Ping(context.Context) error { return nil }
func (m *MemoryManager) Close() error               { return nil }

type memoryAccounts MemoryManager

func (r *memoryAccounts) Get(_ context.Context, username string) (*Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[username]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &a, nil
}

func (r *memoryAccounts) Create(_ context.Context, a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[a.Username]; ok {
		return common.ErrDuplicate
	}
	r.accounts[a.Username] = *a
	return nil
}

type memoryMessages MemoryManager

func (r *memoryMessages) Append(_ context.Context, sender string, kind uint8, body []byte) (*MessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := MessageRecord{
		ID:     r.nextID,
		Sender: sender,
		Kind:   kind,
		Body:   append([]byte(nil), body...),
		SentAt: time.Now().UTC().Truncate(time.Second),
	}
	r.nextID++
	r.messages = append(r.messages, rec)
	return &rec, nil
}

func (r *memoryMessages) LoadRecent(_ context.Context, limit int) ([]MessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := len(r.messages) - limit
	if start < 0 {
		start = 0
	}
	return append([]MessageRecord(nil), r.messages[start:]...), nil
}

func (r *memoryMessages) LoadBefore(_ context.Context, before uint64, limit int) ([]MessageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []MessageRecord
	for i := len(r.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if r.messages[i].ID < before {
			out = append(out, r.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

type memoryAccess MemoryManager

func (r *memoryAccess) IsBanned(_ context.Context, usernameOrIP string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bans[usernameOrIP]; ok {
		return true, nil
	}
	for _, b := range r.bans {
		if b.IP != "" && b.IP == usernameOrIP {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryAccess) AddBan(_ context.Context, b Ban) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bans[b.Username]; !ok {
		r.bans[b.Username] = b
	}
	return nil
}

func (r *memoryAccess) RemoveBan(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bans, username)
	return nil
}

func (r *memoryAccess) ListBans(_ context.Context) ([]Ban, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Ban, 0, len(r.bans))
	for _, b := range r.bans {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (r *memoryAccess) WhitelistEnabled(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wlEnabled, nil
}

func (r *memoryAccess) SetWhitelistEnabled(_ context.Context, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wlEnabled = on
	return nil
}

func (r *memoryAccess) AddWhitelist(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.whitelist[username] = struct{}{}
	return nil
}

func (r *memoryAccess) RemoveWhitelist(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.whitelist, username)
	return nil
}

func (r *memoryAccess) ListWhitelist(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.whitelist), nil
}

func (r *memoryAccess) Operators(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.operators), nil
}

func (r *memoryAccess) AddOperator(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[username] = struct{}{}
	return nil
}

func (r *memoryAccess) RemoveOperator(_ context.Context, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.operators, username)
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
