package repository

import (
	"context"
	"sync"
	"time"

	"who_knows_rewards/internal/model"
)

// keyLocker hands out one mutex per key and forgets keys nobody holds.
type keyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[string]*keyLock)}
}

// lock acquires keys in the given order and returns the release func.
func (k *keyLocker) lock(keys []string) func() {
	held := make([]*keyLock, 0, len(keys))
	for _, key := range keys {
		k.mu.Lock()
		l, ok := k.locks[key]
		if !ok {
			l = &keyLock{}
			k.locks[key] = l
		}
		l.refs++
		k.mu.Unlock()

		l.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
		k.mu.Lock()
		for i, key := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(k.locks, key)
			}
		}
		k.mu.Unlock()
	}
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	locks *keyLocker

	mu        sync.RWMutex
	accounts  map[string]*model.Account
	codes     map[string]string
	referrals map[string]*model.Referral
	antiSybil map[string]*model.AntiSybilRecord
	seq       int64

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     newKeyLocker(),
		accounts:  make(map[string]*model.Account),
		codes:     make(map[string]string),
		referrals: make(map[string]*model.Referral),
		antiSybil: make(map[string]*model.AntiSybilRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, locks []string, fn UpdateFunc) error {
	keys := orderLocks(locks)
	release := s.locks.lock(keys)
	defer release()

	if err := ctx.Err(); err != nil {
		return err
	}

	cs, err := fn(ctx, &memoryTx{s: s})
	if err != nil {
		return err
	}
	return s.commit(cs)
}

func (s *MemoryStore) View(ctx context.Context, fn ViewFunc) error {
	return fn(ctx, &memoryTx{s: s})
}

// commit validates the whole change set before touching any map, so a
// rejected commit leaves the store as it was.
func (s *MemoryStore) commit(cs *model.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range cs.Accounts {
		if owner, ok := s.codes[acc.ReferralCode]; ok && owner != acc.Address {
			return ErrStoreConflict
		}
		if stored, ok := s.accounts[acc.Address]; ok && stored.ReferralCode != acc.ReferralCode {
			return ErrStoreConflict
		}
	}

	for _, acc := range cs.Accounts {
		stored := acc.Clone()
		if prev, ok := s.accounts[acc.Address]; ok {
			stored.Seq = prev.Seq
			stored.CreatedAt = prev.CreatedAt
		} else {
			s.seq++
			stored.Seq = s.seq
		}
		s.accounts[stored.Address] = stored
		s.codes[stored.ReferralCode] = stored.Address
	}
	for _, ref := range cs.Referrals {
		prev := s.referrals[ref.Invited]
		stored := ref.Clone()
		if prev != nil && prev.IsValidated {
			stored.IsValidated = true
			stored.ValidatedAt = prev.ValidatedAt
		}
		s.referrals[stored.Invited] = stored
	}
	for _, rec := range cs.AntiSybil {
		stored := rec.Clone()
		if prev, ok := s.antiSybil[rec.Address]; ok {
			merged := prev.Clone()
			merged.Fill(rec.Fingerprint, rec.SourceIP)
			stored = merged
		}
		s.antiSybil[stored.Address] = stored
	}

	return nil
}

type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) LoadAccount(ctx context.Context, address string) (*model.Account, error) {
	address = model.NormalizeAddress(address)

	t.s.mu.RLock()
	acc, ok := t.s.accounts[address]
	if ok {
		acc = acc.Clone()
	}
	t.s.mu.RUnlock()

	if !ok {
		return newAccount(ctx, t, address, t.s.now())
	}
	acc.Repair()
	return acc, nil
}

func (t *memoryTx) AccountByReferralCode(_ context.Context, code string) (*model.Account, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	address, ok := t.s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	acc := t.s.accounts[address].Clone()
	acc.Repair()
	return acc, nil
}

func (t *memoryTx) Referral(_ context.Context, invited string) (*model.Referral, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	ref, ok := t.s.referrals[model.NormalizeAddress(invited)]
	if !ok {
		return nil, ErrNotFound
	}
	return ref.Clone(), nil
}

func (t *memoryTx) Referrals(_ context.Context, invited []string) (map[string]*model.Referral, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	out := make(map[string]*model.Referral, len(invited))
	for _, address := range invited {
		if ref, ok := t.s.referrals[model.NormalizeAddress(address)]; ok {
			out[ref.Invited] = ref.Clone()
		}
	}
	return out, nil
}

func (t *memoryTx) AntiSybil(_ context.Context, address string) (*model.AntiSybilRecord, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	rec, ok := t.s.antiSybil[model.NormalizeAddress(address)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (t *memoryTx) FingerprintHolders(_ context.Context, fingerprint string) ([]string, error) {
	return t.holders(func(rec *model.AntiSybilRecord) bool {
		return fingerprint != "" && rec.Fingerprint == fingerprint
	}), nil
}

func (t *memoryTx) IPHolders(_ context.Context, ip string) ([]string, error) {
	return t.holders(func(rec *model.AntiSybilRecord) bool {
		return ip != "" && rec.SourceIP == ip
	}), nil
}

func (t *memoryTx) holders(match func(*model.AntiSybilRecord) bool) []string {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	var out []string
	for address, rec := range t.s.antiSybil {
		if match(rec) {
			out = append(out, address)
		}
	}
	return out
}

func (t *memoryTx) Accounts(_ context.Context) ([]*model.Account, error) {
	t.s.mu.RLock()
	out := make([]*model.Account, 0, len(t.s.accounts))
	for _, acc := range t.s.accounts {
		c := acc.Clone()
		c.Repair()
		out = append(out, c)
	}
	t.s.mu.RUnlock()

	sortBySeq(out)
	return out, nil
}

func (t *memoryTx) TopAccounts(ctx context.Context, n int) ([]*model.Account, error) {
	accounts, err := t.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	return topOf(accounts, n), nil
}
