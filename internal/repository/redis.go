package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"who_knows_rewards/internal/model"
	"who_knows_rewards/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	PoolSize int    `mapstructure:"poolSize"`
}

// RedisStore keeps the ledger as JSON blobs and uses WATCH/MULTI, so a write
// racing with an update surfaces as ErrStoreConflict instead of blocking.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type accountRecord struct {
	Address              string           `json:"address"`
	Seq                  int64            `json:"seq"`
	QuestPoints          int64            `json:"points"`
	ReferralPoints       int64            `json:"referralPoints"`
	ReferralCode         string           `json:"referralCode"`
	ReferredBy           *string          `json:"referredBy"`
	CompletedQuestsCount int              `json:"completedQuestsCount"`
	Quests               model.QuestFlags `json:"quests"`
	Invites              []string         `json:"invites"`
	Transactions         int64            `json:"transactions"`
	Volume               decimal.Decimal  `json:"volume"`
	DailyVolume          decimal.Decimal  `json:"dailyVolume"`
	WeeklyVolume         decimal.Decimal  `json:"weeklyVolume"`
	LastTxTimestamp      int64            `json:"lastTxTimestamp"`
	ProcessedHashes      []string         `json:"processedHashes"`
	CreatedAt            int64            `json:"createdAt"`
}

type referralRecord struct {
	Inviter     string `json:"inviterAddress"`
	Invited     string `json:"invitedAddress"`
	IsValidated bool   `json:"isValidated"`
	CreatedAt   int64  `json:"createdAt"`
	ValidatedAt *int64 `json:"validatedAt"`
}

type antiSybilRecord struct {
	Fingerprint *string `json:"fingerprint"`
	IPAddress   *string `json:"ipAddress"`
	FirstSeenAt int64   `json:"firstSeenAt"`
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	logger.Logger().Info("Connected to redis successfully", zap.String("addr", cfg.Addr))

	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Update(ctx context.Context, locks []string, fn UpdateFunc) error {
	keys := orderLocks(locks)
	watched := make([]string, len(keys))
	for i, key := range keys {
		watched[i] = s.prefix + key
	}

	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		cs, err := fn(ctx, &redisTx{s: s, r: rtx})
		if err != nil {
			return err
		}
		if cs.Empty() {
			return nil
		}

		seqs, err := s.claimNewAccounts(ctx, rtx, cs)
		if err != nil {
			return err
		}
		if cs, err = s.mergeWriteOnce(ctx, rtx, cs); err != nil {
			return err
		}

		_, err = rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeChangeSet(ctx, pipe, cs, seqs)
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrStoreConflict
	}
	return err
}

func (s *RedisStore) View(ctx context.Context, fn ViewFunc) error {
	return fn(ctx, &redisTx{s: s, r: s.client})
}

// claimNewAccounts watches the referral code keys of accounts being created,
// checks the codes are free and reserves a first-seen sequence for each.
func (s *RedisStore) claimNewAccounts(ctx context.Context, rtx *redis.Tx, cs *model.ChangeSet) (map[string]int64, error) {
	seqs := make(map[string]int64)
	for _, acc := range cs.Accounts {
		if !acc.IsNew() {
			continue
		}
		codeKey := fmt.Sprintf(KeyReferralCode, s.prefix, acc.ReferralCode)
		if err := rtx.Watch(ctx, codeKey).Err(); err != nil {
			return nil, fmt.Errorf("failed to watch referral code: %w", err)
		}
		owner, err := rtx.Get(ctx, codeKey).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to check referral code: %w", err)
		}
		if err == nil && owner != acc.Address {
			return nil, ErrStoreConflict
		}

		// An update holds exactly one pool connection, the watched one.
		seq, err := rtx.Incr(ctx, fmt.Sprintf(KeySequence, s.prefix)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate sequence: %w", err)
		}
		seqs[acc.Address] = seq
	}
	return seqs, nil
}

// mergeWriteOnce watches the referral and anti-sybil keys being written and
// keeps what is already stored: a validated referral stays validated and a
// recorded fingerprint or IP is never replaced.
func (s *RedisStore) mergeWriteOnce(ctx context.Context, rtx *redis.Tx, cs *model.ChangeSet) (*model.ChangeSet, error) {
	out := &model.ChangeSet{Accounts: cs.Accounts}
	tx := &redisTx{s: s, r: rtx}

	for _, ref := range cs.Referrals {
		if err := rtx.Watch(ctx, fmt.Sprintf(KeyReferral, s.prefix, ref.Invited)).Err(); err != nil {
			return nil, fmt.Errorf("failed to watch referral: %w", err)
		}
		stored := ref.Clone()
		prev, err := tx.Referral(ctx, ref.Invited)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if prev != nil && prev.IsValidated {
			stored.IsValidated = true
			stored.ValidatedAt = prev.ValidatedAt
		}
		out.Referrals = append(out.Referrals, stored)
	}

	for _, rec := range cs.AntiSybil {
		if err := rtx.Watch(ctx, fmt.Sprintf(KeyAntiSybil, s.prefix, rec.Address)).Err(); err != nil {
			return nil, fmt.Errorf("failed to watch anti-sybil record: %w", err)
		}
		stored := rec.Clone()
		prev, err := tx.AntiSybil(ctx, rec.Address)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if prev != nil {
			prev.Fill(rec.Fingerprint, rec.SourceIP)
			stored = prev
		}
		out.AntiSybil = append(out.AntiSybil, stored)
	}

	return out, nil
}

func (s *RedisStore) writeChangeSet(ctx context.Context, pipe redis.Pipeliner, cs *model.ChangeSet, seqs map[string]int64) error {
	for _, acc := range cs.Accounts {
		seq := acc.Seq
		if acc.IsNew() {
			seq = seqs[acc.Address]
			pipe.Set(ctx, fmt.Sprintf(KeyReferralCode, s.prefix, acc.ReferralCode), acc.Address, 0)
			pipe.ZAdd(ctx, fmt.Sprintf(KeyAccountIndex, s.prefix), redis.Z{
				Score:  float64(seq),
				Member: acc.Address,
			})
		}

		data, err := json.Marshal(toAccountRecord(acc, seq))
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		pipe.Set(ctx, fmt.Sprintf(KeyAccount, s.prefix, acc.Address), data, 0)
	}

	for _, ref := range cs.Referrals {
		data, err := json.Marshal(toReferralRecord(ref))
		if err != nil {
			return fmt.Errorf("failed to marshal referral: %w", err)
		}
		pipe.Set(ctx, fmt.Sprintf(KeyReferral, s.prefix, ref.Invited), data, 0)
	}

	for _, rec := range cs.AntiSybil {
		data, err := json.Marshal(toAntiSybilRecord(rec))
		if err != nil {
			return fmt.Errorf("failed to marshal anti-sybil record: %w", err)
		}
		pipe.Set(ctx, fmt.Sprintf(KeyAntiSybil, s.prefix, rec.Address), data, 0)
		if rec.Fingerprint != "" {
			pipe.SAdd(ctx, fmt.Sprintf(KeyFingerprint, s.prefix, rec.Fingerprint), rec.Address)
		}
		if rec.SourceIP != "" {
			pipe.SAdd(ctx, fmt.Sprintf(KeyIP, s.prefix, rec.SourceIP), rec.Address)
		}
	}

	return nil
}

// redisReader is the command subset shared by *redis.Client and *redis.Tx.
type redisReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

type redisTx struct {
	s *RedisStore
	r redisReader
}

func (t *redisTx) getJSON(ctx context.Context, key string, v interface{}) error {
	data, err := t.r.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (t *redisTx) account(ctx context.Context, address string) (*model.Account, error) {
	var rec accountRecord
	if err := t.getJSON(ctx, fmt.Sprintf(KeyAccount, t.s.prefix, address), &rec); err != nil {
		return nil, err
	}
	return rec.toModel(address), nil
}

func (t *redisTx) LoadAccount(ctx context.Context, address string) (*model.Account, error) {
	address = model.NormalizeAddress(address)
	acc, err := t.account(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return newAccount(ctx, t, address, t.s.now())
	}
	return acc, err
}

func (t *redisTx) AccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	address, err := t.r.Get(ctx, fmt.Sprintf(KeyReferralCode, t.s.prefix, code)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve referral code: %w", err)
	}
	return t.account(ctx, address)
}

func (t *redisTx) Referral(ctx context.Context, invited string) (*model.Referral, error) {
	var rec referralRecord
	if err := t.getJSON(ctx, fmt.Sprintf(KeyReferral, t.s.prefix, model.NormalizeAddress(invited)), &rec); err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

func (t *redisTx) Referrals(ctx context.Context, invited []string) (map[string]*model.Referral, error) {
	out := make(map[string]*model.Referral, len(invited))
	if len(invited) == 0 {
		return out, nil
	}

	keys := make([]string, len(invited))
	for i, address := range invited {
		keys[i] = fmt.Sprintf(KeyReferral, t.s.prefix, model.NormalizeAddress(address))
	}
	values, err := t.r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get referrals: %w", err)
	}
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var rec referralRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal referral: %w", err)
		}
		ref := rec.toModel()
		out[ref.Invited] = ref
	}
	return out, nil
}

func (t *redisTx) AntiSybil(ctx context.Context, address string) (*model.AntiSybilRecord, error) {
	address = model.NormalizeAddress(address)
	var rec antiSybilRecord
	if err := t.getJSON(ctx, fmt.Sprintf(KeyAntiSybil, t.s.prefix, address), &rec); err != nil {
		return nil, err
	}
	return rec.toModel(address), nil
}

func (t *redisTx) FingerprintHolders(ctx context.Context, fingerprint string) ([]string, error) {
	if fingerprint == "" {
		return nil, nil
	}
	return t.r.SMembers(ctx, fmt.Sprintf(KeyFingerprint, t.s.prefix, fingerprint)).Result()
}

func (t *redisTx) IPHolders(ctx context.Context, ip string) ([]string, error) {
	if ip == "" {
		return nil, nil
	}
	return t.r.SMembers(ctx, fmt.Sprintf(KeyIP, t.s.prefix, ip)).Result()
}

func (t *redisTx) Accounts(ctx context.Context) ([]*model.Account, error) {
	addresses, err := t.r.ZRange(ctx, fmt.Sprintf(KeyAccountIndex, t.s.prefix), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	if len(addresses) == 0 {
		return []*model.Account{}, nil
	}

	keys := make([]string, len(addresses))
	for i, address := range addresses {
		keys[i] = fmt.Sprintf(KeyAccount, t.s.prefix, address)
	}
	values, err := t.r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	accounts := make([]*model.Account, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var rec accountRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account %s: %w", addresses[i], err)
		}
		accounts = append(accounts, rec.toModel(addresses[i]))
	}
	sortBySeq(accounts)
	return accounts, nil
}

func (t *redisTx) TopAccounts(ctx context.Context, n int) ([]*model.Account, error) {
	accounts, err := t.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	return topOf(accounts, n), nil
}

func toAccountRecord(acc *model.Account, seq int64) accountRecord {
	rec := accountRecord{
		Address:              acc.Address,
		Seq:                  seq,
		QuestPoints:          acc.QuestPoints,
		ReferralPoints:       acc.ReferralPoints,
		ReferralCode:         acc.ReferralCode,
		CompletedQuestsCount: acc.CompletedQuestsCount,
		Quests:               acc.Quests,
		Invites:              acc.Invites,
		Transactions:         acc.Transactions,
		Volume:               acc.Volume,
		DailyVolume:          acc.DailyVolume,
		WeeklyVolume:         acc.WeeklyVolume,
		ProcessedHashes:      acc.ProcessedHashes,
		CreatedAt:            acc.CreatedAt.UnixMilli(),
	}
	if acc.ReferredBy != "" {
		referredBy := acc.ReferredBy
		rec.ReferredBy = &referredBy
	}
	if !acc.LastTxAt.IsZero() {
		rec.LastTxTimestamp = acc.LastTxAt.UnixMilli()
	}
	return rec
}

func (rec *accountRecord) toModel(address string) *model.Account {
	acc := &model.Account{
		Address:              rec.Address,
		Seq:                  rec.Seq,
		QuestPoints:          rec.QuestPoints,
		ReferralPoints:       rec.ReferralPoints,
		ReferralCode:         rec.ReferralCode,
		CompletedQuestsCount: rec.CompletedQuestsCount,
		Quests:               rec.Quests,
		Invites:              rec.Invites,
		Transactions:         rec.Transactions,
		Volume:               rec.Volume,
		DailyVolume:          rec.DailyVolume,
		WeeklyVolume:         rec.WeeklyVolume,
		ProcessedHashes:      rec.ProcessedHashes,
	}
	if acc.Address == "" {
		acc.Address = address
	}
	if rec.ReferredBy != nil {
		acc.ReferredBy = *rec.ReferredBy
	}
	if rec.LastTxTimestamp > 0 {
		acc.LastTxAt = time.UnixMilli(rec.LastTxTimestamp).UTC()
	}
	if rec.CreatedAt > 0 {
		acc.CreatedAt = time.UnixMilli(rec.CreatedAt).UTC()
	}
	acc.Repair()
	return acc
}

func toReferralRecord(ref *model.Referral) referralRecord {
	rec := referralRecord{
		Inviter:     ref.Inviter,
		Invited:     ref.Invited,
		IsValidated: ref.IsValidated,
		CreatedAt:   ref.CreatedAt.UnixMilli(),
	}
	if ref.ValidatedAt != nil {
		at := ref.ValidatedAt.UnixMilli()
		rec.ValidatedAt = &at
	}
	return rec
}

func (rec *referralRecord) toModel() *model.Referral {
	ref := &model.Referral{
		Inviter:     model.NormalizeAddress(rec.Inviter),
		Invited:     model.NormalizeAddress(rec.Invited),
		IsValidated: rec.IsValidated,
		CreatedAt:   time.UnixMilli(rec.CreatedAt).UTC(),
	}
	if rec.ValidatedAt != nil {
		at := time.UnixMilli(*rec.ValidatedAt).UTC()
		ref.ValidatedAt = &at
	}
	return ref
}

func toAntiSybilRecord(rec *model.AntiSybilRecord) antiSybilRecord {
	out := antiSybilRecord{FirstSeenAt: rec.FirstSeenAt.UnixMilli()}
	if rec.Fingerprint != "" {
		fp := rec.Fingerprint
		out.Fingerprint = &fp
	}
	if rec.SourceIP != "" {
		ip := rec.SourceIP
		out.IPAddress = &ip
	}
	return out
}

func (rec *antiSybilRecord) toModel(address string) *model.AntiSybilRecord {
	out := &model.AntiSybilRecord{
		Address:     address,
		FirstSeenAt: time.UnixMilli(rec.FirstSeenAt).UTC(),
	}
	if rec.Fingerprint != nil {
		out.Fingerprint = *rec.Fingerprint
	}
	if rec.IPAddress != nil {
		out.SourceIP = *rec.IPAddress
	}
	return out
}
