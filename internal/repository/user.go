package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"who_knows_rewards/internal/model"

	"github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type accountRow struct {
	Seq                  int64           `db:"seq"`
	Address              string          `db:"address"`
	QuestPoints          int64           `db:"quest_points"`
	ReferralPoints       int64           `db:"referral_points"`
	ReferralCode         string          `db:"referral_code"`
	ReferredBy           sql.NullString  `db:"referred_by"`
	CompletedQuestsCount int             `db:"completed_quests_count"`
	Quests               []byte          `db:"quests"`
	Invites              pq.StringArray  `db:"invites"`
	Transactions         int64           `db:"transactions"`
	Volume               decimal.Decimal `db:"volume"`
	DailyVolume          decimal.Decimal `db:"daily_volume"`
	WeeklyVolume         decimal.Decimal `db:"weekly_volume"`
	LastTxAt             sql.NullTime    `db:"last_tx_at"`
	ProcessedHashes      pq.StringArray  `db:"processed_hashes"`
	CreatedAt            time.Time       `db:"created_at"`
}

type referralRow struct {
	Invited     string       `db:"invited"`
	Inviter     string       `db:"inviter"`
	IsValidated bool         `db:"is_validated"`
	CreatedAt   time.Time    `db:"created_at"`
	ValidatedAt sql.NullTime `db:"validated_at"`
}

type antiSybilRow struct {
	Address     string         `db:"address"`
	Fingerprint sql.NullString `db:"fingerprint"`
	SourceIP    sql.NullString `db:"source_ip"`
	FirstSeenAt time.Time      `db:"first_seen_at"`
}

// Older rows may predate some columns, hence the COALESCEs.
var accountColumns = []string{
	"seq",
	"address",
	"COALESCE(quest_points, 0) AS quest_points",
	"COALESCE(referral_points, 0) AS referral_points",
	"referral_code",
	"referred_by",
	"COALESCE(completed_quests_count, 0) AS completed_quests_count",
	"COALESCE(quests, '{}'::jsonb) AS quests",
	"COALESCE(invites, '{}') AS invites",
	"COALESCE(transactions, 0) AS transactions",
	"COALESCE(volume, 0) AS volume",
	"COALESCE(daily_volume, 0) AS daily_volume",
	"COALESCE(weekly_volume, 0) AS weekly_volume",
	"last_tx_at",
	"COALESCE(processed_hashes, '{}') AS processed_hashes",
	"created_at",
}

func (row *accountRow) toModel() (*model.Account, error) {
	quests := model.QuestFlags{}
	if len(row.Quests) > 0 {
		if err := json.Unmarshal(row.Quests, &quests); err != nil {
			return nil, fmt.Errorf("failed to decode quests of %s: %w", row.Address, err)
		}
	}

	acc := &model.Account{
		Address:              row.Address,
		Seq:                  row.Seq,
		QuestPoints:          row.QuestPoints,
		ReferralPoints:       row.ReferralPoints,
		ReferralCode:         row.ReferralCode,
		ReferredBy:           row.ReferredBy.String,
		CompletedQuestsCount: row.CompletedQuestsCount,
		Quests:               quests,
		Invites:              []string(row.Invites),
		Transactions:         row.Transactions,
		Volume:               row.Volume,
		DailyVolume:          row.DailyVolume,
		WeeklyVolume:         row.WeeklyVolume,
		ProcessedHashes:      []string(row.ProcessedHashes),
		CreatedAt:            row.CreatedAt,
	}
	if row.LastTxAt.Valid {
		acc.LastTxAt = row.LastTxAt.Time
	}
	acc.Repair()
	return acc, nil
}

func (row *referralRow) toModel() *model.Referral {
	ref := &model.Referral{
		Inviter:     row.Inviter,
		Invited:     row.Invited,
		IsValidated: row.IsValidated,
		CreatedAt:   row.CreatedAt,
	}
	if row.ValidatedAt.Valid {
		at := row.ValidatedAt.Time
		ref.ValidatedAt = &at
	}
	return ref
}

// Update runs fn inside one SQL transaction holding an advisory lock per key.
func (r *Repository) Update(ctx context.Context, locks []string, fn UpdateFunc) error {
	return r.Transaction(ctx, func(tx *sqlx.Tx) error {
		for _, key := range orderLocks(locks) {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key); err != nil {
				return fmt.Errorf("failed to lock %s: %w", key, translateError(err))
			}
		}

		cs, err := fn(ctx, &sqlTx{q: tx, now: r.now})
		if err != nil {
			return err
		}

		return r.writeChangeSet(ctx, tx, cs)
	})
}

func (r *Repository) View(ctx context.Context, fn ViewFunc) error {
	return fn(ctx, &sqlTx{q: r.db, now: r.now})
}

func (r *Repository) writeChangeSet(ctx context.Context, tx *sqlx.Tx, cs *model.ChangeSet) error {
	if cs.Empty() {
		return nil
	}

	for _, acc := range cs.Accounts {
		if err := upsertAccount(ctx, tx, acc); err != nil {
			return err
		}
	}
	for _, ref := range cs.Referrals {
		if err := upsertReferral(ctx, tx, ref); err != nil {
			return err
		}
	}
	for _, rec := range cs.AntiSybil {
		if err := upsertAntiSybil(ctx, tx, rec); err != nil {
			return err
		}
	}

	return nil
}

func upsertAccount(ctx context.Context, tx *sqlx.Tx, acc *model.Account) error {
	quests, err := json.Marshal(acc.Quests)
	if err != nil {
		return fmt.Errorf("failed to encode quests: %w", err)
	}

	var referredBy, lastTxAt interface{}
	if acc.ReferredBy != "" {
		referredBy = acc.ReferredBy
	}
	if !acc.LastTxAt.IsZero() {
		lastTxAt = acc.LastTxAt
	}

	query, args, err := squirrel.
		Insert("accounts").
		SetMap(map[string]interface{}{
			"address":                acc.Address,
			"quest_points":           acc.QuestPoints,
			"referral_points":        acc.ReferralPoints,
			"referral_code":          acc.ReferralCode,
			"referred_by":            referredBy,
			"completed_quests_count": acc.CompletedQuestsCount,
			"quests":                 squirrel.Expr("?::jsonb", string(quests)),
			"invites":                pq.StringArray(acc.Invites),
			"transactions":           acc.Transactions,
			"volume":                 acc.Volume,
			"daily_volume":           acc.DailyVolume,
			"weekly_volume":          acc.WeeklyVolume,
			"last_tx_at":             lastTxAt,
			"processed_hashes":       pq.StringArray(acc.ProcessedHashes),
			"created_at":             acc.CreatedAt,
		}).
		Suffix(`ON CONFLICT (address) DO UPDATE SET
			quest_points = EXCLUDED.quest_points,
			referral_points = EXCLUDED.referral_points,
			referred_by = COALESCE(accounts.referred_by, EXCLUDED.referred_by),
			completed_quests_count = EXCLUDED.completed_quests_count,
			quests = EXCLUDED.quests,
			invites = EXCLUDED.invites,
			transactions = EXCLUDED.transactions,
			volume = EXCLUDED.volume,
			daily_volume = EXCLUDED.daily_volume,
			weekly_volume = EXCLUDED.weekly_volume,
			last_tx_at = EXCLUDED.last_tx_at,
			processed_hashes = EXCLUDED.processed_hashes`).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build account upsert query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", acc.Address, translateError(err))
	}
	return nil
}

func upsertReferral(ctx context.Context, tx *sqlx.Tx, ref *model.Referral) error {
	var validatedAt interface{}
	if ref.ValidatedAt != nil {
		validatedAt = *ref.ValidatedAt
	}

	query, args, err := squirrel.
		Insert("referrals").
		SetMap(map[string]interface{}{
			"invited":      ref.Invited,
			"inviter":      ref.Inviter,
			"is_validated": ref.IsValidated,
			"created_at":   ref.CreatedAt,
			"validated_at": validatedAt,
		}).
		Suffix(`ON CONFLICT (invited) DO UPDATE SET
			is_validated = referrals.is_validated OR EXCLUDED.is_validated,
			validated_at = COALESCE(referrals.validated_at, EXCLUDED.validated_at)`).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build referral upsert query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert referral %s: %w", ref.Invited, translateError(err))
	}
	return nil
}

func upsertAntiSybil(ctx context.Context, tx *sqlx.Tx, rec *model.AntiSybilRecord) error {
	query, args, err := squirrel.
		Insert("anti_sybil").
		SetMap(map[string]interface{}{
			"address":       rec.Address,
			"fingerprint":   nullString(rec.Fingerprint),
			"source_ip":     nullString(rec.SourceIP),
			"first_seen_at": rec.FirstSeenAt,
		}).
		Suffix(`ON CONFLICT (address) DO UPDATE SET
			fingerprint = COALESCE(anti_sybil.fingerprint, EXCLUDED.fingerprint),
			source_ip = COALESCE(anti_sybil.source_ip, EXCLUDED.source_ip)`).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build anti-sybil upsert query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert anti-sybil record %s: %w", rec.Address, translateError(err))
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// translateError maps unique violations, serialization failures and
// deadlocks to ErrStoreConflict so the caller retries with fresh state.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrStoreConflict, pgErr.Message)
		}
	}
	return err
}

type sqlTx struct {
	q   sqlx.QueryerContext
	now func() time.Time
}

func (t *sqlTx) getAccount(ctx context.Context, where squirrel.Eq) (*model.Account, error) {
	query, args, err := squirrel.
		Select(accountColumns...).
		From("accounts").
		Where(where).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row accountRow
	err = sqlx.GetContext(ctx, t.q, &row, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.toModel()
}

func (t *sqlTx) LoadAccount(ctx context.Context, address string) (*model.Account, error) {
	address = model.NormalizeAddress(address)
	acc, err := t.getAccount(ctx, squirrel.Eq{"address": address})
	if errors.Is(err, ErrNotFound) {
		return newAccount(ctx, t, address, t.now())
	}
	return acc, err
}

func (t *sqlTx) AccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	return t.getAccount(ctx, squirrel.Eq{"referral_code": code})
}

func (t *sqlTx) Referral(ctx context.Context, invited string) (*model.Referral, error) {
	refs, err := t.Referrals(ctx, []string{invited})
	if err != nil {
		return nil, err
	}
	ref, ok := refs[model.NormalizeAddress(invited)]
	if !ok {
		return nil, ErrNotFound
	}
	return ref, nil
}

func (t *sqlTx) Referrals(ctx context.Context, invited []string) (map[string]*model.Referral, error) {
	out := make(map[string]*model.Referral, len(invited))
	if len(invited) == 0 {
		return out, nil
	}

	normalized := make([]string, len(invited))
	for i, address := range invited {
		normalized[i] = model.NormalizeAddress(address)
	}

	query, args, err := squirrel.
		Select("invited", "inviter", "is_validated", "created_at", "validated_at").
		From("referrals").
		Where(squirrel.Eq{"invited": normalized}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var rows []referralRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get referrals: %w", err)
	}
	for i := range rows {
		out[rows[i].Invited] = rows[i].toModel()
	}
	return out, nil
}

func (t *sqlTx) AntiSybil(ctx context.Context, address string) (*model.AntiSybilRecord, error) {
	query, args, err := squirrel.
		Select("address", "fingerprint", "source_ip", "first_seen_at").
		From("anti_sybil").
		Where(squirrel.Eq{"address": model.NormalizeAddress(address)}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row antiSybilRow
	if err := sqlx.GetContext(ctx, t.q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &model.AntiSybilRecord{
		Address:     row.Address,
		Fingerprint: row.Fingerprint.String,
		SourceIP:    row.SourceIP.String,
		FirstSeenAt: row.FirstSeenAt,
	}, nil
}

func (t *sqlTx) FingerprintHolders(ctx context.Context, fingerprint string) ([]string, error) {
	return t.holders(ctx, "fingerprint", fingerprint)
}

func (t *sqlTx) IPHolders(ctx context.Context, ip string) ([]string, error) {
	return t.holders(ctx, "source_ip", ip)
}

func (t *sqlTx) holders(ctx context.Context, column, value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}

	query, args, err := squirrel.
		Select("address").
		From("anti_sybil").
		Where(squirrel.Eq{column: value}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	var addresses []string
	if err := sqlx.SelectContext(ctx, t.q, &addresses, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get %s holders: %w", column, err)
	}
	return addresses, nil
}

func (t *sqlTx) Accounts(ctx context.Context) ([]*model.Account, error) {
	return t.selectAccounts(ctx, squirrel.Select(accountColumns...).From("accounts").OrderBy("seq ASC"))
}

func (t *sqlTx) TopAccounts(ctx context.Context, n int) ([]*model.Account, error) {
	builder := squirrel.
		Select(accountColumns...).
		From("accounts").
		OrderBy("(quest_points + referral_points) DESC", "seq ASC")
	if n >= 0 {
		builder = builder.Limit(uint64(n))
	}
	return t.selectAccounts(ctx, builder)
}

func (t *sqlTx) selectAccounts(ctx context.Context, builder squirrel.SelectBuilder) ([]*model.Account, error) {
	query, args, err := builder.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rows []accountRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	accounts := make([]*model.Account, 0, len(rows))
	for i := range rows {
		acc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}
