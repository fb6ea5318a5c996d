// Package pg implements ledger.Store on Postgres. Balance mutations are
// expressed as in-database increments (`set x = x + $n`), never as
// application-level read-modify-write, so concurrent deltas for the same
// affiliate serialize in the database and none is lost.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"afflow.org/internal/ids"
	"afflow.org/internal/ledger"
)

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests use sqlmock through this).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- affiliates ---

const affiliateColumns = `id, email, promo_code, commission_rate, total_earned, total_paid, pending_amount, status, payment_profile, created_at`

func (s *Store) CreateAffiliate(ctx context.Context, in ledger.NewAffiliate) (ledger.Affiliate, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	code := strings.ToUpper(strings.TrimSpace(in.PromoCode))
	if email == "" || code == "" {
		return ledger.Affiliate{}, ledger.ErrInvalidState
	}
	if !ledger.ValidRate(in.CommissionRate) {
		return ledger.Affiliate{}, ledger.ErrInvalidRate
	}
	profile, err := ledger.EncodeProfile(in.Profile)
	if err != nil {
		return ledger.Affiliate{}, err
	}

	id := ids.New()
	_, err = s.db.ExecContext(ctx, `
		insert into affiliates(id, email, promo_code, commission_rate, status, payment_profile)
		values ($1, $2, $3, $4, 'pending', $5)
	`, id, email, code, in.CommissionRate, profile)
	if err != nil {
		switch {
		case isUniqueViolation(err, "affiliates_email_key"):
			return ledger.Affiliate{}, ledger.ErrDuplicateEmail
		case isUniqueViolation(err, "affiliates_promo_code_key"):
			return ledger.Affiliate{}, ledger.ErrDuplicatePromo
		}
		return ledger.Affiliate{}, err
	}
	return s.GetAffiliate(ctx, id)
}

func (s *Store) GetAffiliate(ctx context.Context, id string) (ledger.Affiliate, error) {
	row := s.db.QueryRowContext(ctx, `select `+affiliateColumns+` from affiliates where id=$1`, id)
	return scanAffiliate(row)
}

func (s *Store) ListAffiliates(ctx context.Context, f ledger.AffiliateFilter) ([]ledger.Affiliate, error) {
	q := `select ` + affiliateColumns + ` from affiliates`
	args := []any{}
	if f.Status != "" {
		q += ` where status=$1`
		args = append(args, string(f.Status))
	}
	q += fmt.Sprintf(` order by created_at desc limit %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Affiliate
	for rows.Next() {
		aff, err := scanAffiliate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, aff)
	}
	return out, rows.Err()
}

func (s *Store) SetAffiliateStatus(ctx context.Context, id string, status ledger.AffiliateStatus) (ledger.Affiliate, error) {
	switch status {
	case ledger.AffiliateActive, ledger.AffiliateInactive, ledger.AffiliatePending:
	default:
		return ledger.Affiliate{}, ledger.ErrInvalidState
	}
	res, err := s.db.ExecContext(ctx, `update affiliates set status=$2 where id=$1`, id, string(status))
	if err != nil {
		return ledger.Affiliate{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.Affiliate{}, ledger.ErrNotFound
	}
	return s.GetAffiliate(ctx, id)
}

func (s *Store) DeleteAffiliate(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from affiliates where id=$1 for update`, id).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ledger.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	var convCount int
	if err := tx.QueryRowContext(ctx, `select count(*) from conversions where affiliate_id=$1`, id).Scan(&convCount); err != nil {
		return false, err
	}
	if convCount > 0 {
		// History must survive; deactivate instead of deleting.
		if _, err := tx.ExecContext(ctx, `update affiliates set status='inactive' where id=$1`, id); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `delete from affiliates where id=$1`, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) PromoCodeTaken(ctx context.Context, code string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `select exists(select 1 from affiliates where promo_code=$1)`,
		strings.ToUpper(strings.TrimSpace(code))).Scan(&taken)
	return taken, err
}

// --- conversions ---

const conversionColumns = `id, affiliate_id, order_id, order_amount, commission_amount, status, coalesce(payout_id, ''), created_at, updated_at`

func (s *Store) CreateConversion(ctx context.Context, in ledger.NewConversion) (ledger.Conversion, bool, error) {
	if in.OrderAmount <= 0 {
		return ledger.Conversion{}, false, ledger.ErrInvalidAmount
	}
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		return ledger.Conversion{}, false, ledger.ErrInvalidState
	}

	aff, err := s.affiliateByPromo(ctx, in.PromoCode)
	if err != nil {
		return ledger.Conversion{}, false, err
	}
	commission := ledger.CommissionFor(in.OrderAmount, aff.CommissionRate)

	id := ids.New()
	res, err := s.db.ExecContext(ctx, `
		insert into conversions(id, affiliate_id, order_id, order_amount, commission_amount, status)
		values ($1, $2, $3, $4, $5, 'pending')
		on conflict (order_id) do nothing
	`, id, aff.ID, orderID, in.OrderAmount, commission)
	if err != nil {
		return ledger.Conversion{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Replayed order event: hand back the stored row.
		row := s.db.QueryRowContext(ctx, `select `+conversionColumns+` from conversions where order_id=$1`, orderID)
		conv, err := scanConversion(row)
		return conv, false, err
	}
	conv, err := s.GetConversion(ctx, id)
	return conv, true, err
}

func (s *Store) GetConversion(ctx context.Context, id string) (ledger.Conversion, error) {
	row := s.db.QueryRowContext(ctx, `select `+conversionColumns+` from conversions where id=$1`, id)
	return scanConversion(row)
}

func (s *Store) ListConversions(ctx context.Context, f ledger.ConversionFilter) ([]ledger.Conversion, error) {
	q := `select ` + conversionColumns + ` from conversions`
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.AffiliateID != "" {
		add(`affiliate_id=$%d`, f.AffiliateID)
	}
	if f.Status != "" {
		add(`status=$%d`, string(f.Status))
	}
	if !f.From.IsZero() {
		add(`created_at >= $%d`, f.From)
	}
	if !f.To.IsZero() {
		add(`created_at <= $%d`, f.To)
	}
	if len(conds) > 0 {
		q += ` where ` + strings.Join(conds, ` and `)
	}
	q += fmt.Sprintf(` order by created_at desc limit %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Conversion
	for rows.Next() {
		c, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetConversionStatus(ctx context.Context, id string, status ledger.ConversionStatus) (ledger.Conversion, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Conversion{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the conversion row so per-conversion transitions serialize.
	row := tx.QueryRowContext(ctx, `select `+conversionColumns+` from conversions where id=$1 for update`, id)
	conv, err := scanConversion(row)
	if err != nil {
		return ledger.Conversion{}, err
	}

	delta, err := ledger.Transition(conv.Status, status, conv.CommissionAmount)
	if err != nil {
		return ledger.Conversion{}, err
	}
	if conv.Status == status {
		return conv, nil
	}
	if conv.PayoutID != "" {
		// Claimed by a payout whose amount was frozen over this commission;
		// the conversion only moves through that payout's lifecycle.
		return ledger.Conversion{}, ledger.ErrInvalidState
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `update conversions set status=$2, updated_at=$3 where id=$1`,
		id, string(status), now); err != nil {
		return ledger.Conversion{}, err
	}
	if !delta.IsZero() {
		if err := applyDeltaTx(ctx, tx, conv.AffiliateID, delta); err != nil {
			return ledger.Conversion{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ledger.Conversion{}, err
	}

	conv.Status = status
	conv.UpdatedAt = now
	return conv, nil
}

func (s *Store) ApplyBalanceDelta(ctx context.Context, affiliateID string, delta ledger.BalanceDelta) error {
	return applyDeltaTx(ctx, s.db, affiliateID, delta)
}

// execer lets the delta update run either on the pool or inside a tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func applyDeltaTx(ctx context.Context, ex execer, affiliateID string, delta ledger.BalanceDelta) error {
	res, err := ex.ExecContext(ctx, `
		update affiliates
		set total_earned = total_earned + $2,
		    total_paid = total_paid + $3,
		    pending_amount = pending_amount + $4
		where id=$1
	`, affiliateID, delta.TotalEarned, delta.TotalPaid, delta.PendingAmount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// --- payouts ---

const payoutColumns = `id, affiliate_id, amount, status, coalesce(payment_ref, ''), coalesce(failure_reason, ''), processed_at, created_at`

func (s *Store) CreatePayout(ctx context.Context, affiliateID string, conversionIDs []string) (ledger.Payout, error) {
	if len(conversionIDs) == 0 {
		return ledger.Payout{}, ledger.ErrEmptySelection
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Payout{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from affiliates where id=$1`, affiliateID).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payout{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Payout{}, err
	}

	payoutID := ids.New()
	if _, err := tx.ExecContext(ctx, `
		insert into payouts(id, affiliate_id, amount, status)
		values ($1, $2, 0, 'pending')
	`, payoutID, affiliateID); err != nil {
		return ledger.Payout{}, err
	}

	// Conditional claim per conversion: the update only lands when the row
	// is still approved, owned by this affiliate and unclaimed. A zero row
	// count means some other payout won (or the row is ineligible) and the
	// whole transaction rolls back.
	for _, cid := range conversionIDs {
		res, err := tx.ExecContext(ctx, `
			update conversions set payout_id=$1, updated_at=now()
			where id=$2 and affiliate_id=$3 and status='approved' and payout_id is null
		`, payoutID, cid, affiliateID)
		if err != nil {
			return ledger.Payout{}, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `select exists(select 1 from conversions where id=$1)`, cid).Scan(&exists); err != nil {
				return ledger.Payout{}, err
			}
			if !exists {
				return ledger.Payout{}, ledger.ErrNotFound
			}
			return ledger.Payout{}, ledger.ErrInvalidState
		}
	}

	var amount int64
	if err := tx.QueryRowContext(ctx, `
		select coalesce(sum(commission_amount), 0) from conversions where payout_id=$1
	`, payoutID).Scan(&amount); err != nil {
		return ledger.Payout{}, err
	}
	if _, err := tx.ExecContext(ctx, `update payouts set amount=$2 where id=$1`, payoutID, amount); err != nil {
		return ledger.Payout{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Payout{}, err
	}
	return s.GetPayout(ctx, payoutID)
}

func (s *Store) GetPayout(ctx context.Context, id string) (ledger.Payout, error) {
	row := s.db.QueryRowContext(ctx, `select `+payoutColumns+` from payouts where id=$1`, id)
	p, err := scanPayout(row)
	if err != nil {
		return ledger.Payout{}, err
	}
	p.ConversionIDs, err = s.memberConversions(ctx, id)
	if err != nil {
		return ledger.Payout{}, err
	}
	return p, nil
}

func (s *Store) ListPayouts(ctx context.Context, f ledger.PayoutFilter) ([]ledger.Payout, error) {
	q := `select ` + payoutColumns + ` from payouts`
	var (
		conds []string
		args  []any
	)
	if f.AffiliateID != "" {
		args = append(args, f.AffiliateID)
		conds = append(conds, fmt.Sprintf(`affiliate_id=$%d`, len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf(`status=$%d`, len(args)))
	}
	if len(conds) > 0 {
		q += ` where ` + strings.Join(conds, ` and `)
	}
	q += fmt.Sprintf(` order by created_at desc limit %d`, normalizeLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].ConversionIDs, err = s.memberConversions(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) MarkPayoutProcessing(ctx context.Context, id string) (ledger.Payout, error) {
	res, err := s.db.ExecContext(ctx, `
		update payouts set status='processing', failure_reason=null
		where id=$1 and status in ('pending', 'failed')
	`, id)
	if err != nil {
		return ledger.Payout{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `select status from payouts where id=$1`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Payout{}, ledger.ErrNotFound
		}
		if err != nil {
			return ledger.Payout{}, err
		}
		switch ledger.PayoutStatus(status) {
		case ledger.PayoutProcessing:
			return ledger.Payout{}, ledger.ErrAlreadyProcessing
		case ledger.PayoutCompleted:
			return ledger.Payout{}, ledger.ErrAlreadyCompleted
		}
		return ledger.Payout{}, ledger.ErrInvalidState
	}
	return s.GetPayout(ctx, id)
}

func (s *Store) CompletePayout(ctx context.Context, id, paymentRef string, at time.Time) (ledger.Payout, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Payout{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		affiliateID string
		amount      int64
	)
	err = tx.QueryRowContext(ctx, `
		update payouts set status='completed', payment_ref=$2, processed_at=$3
		where id=$1 and status='processing'
		returning affiliate_id, amount
	`, id, paymentRef, at.UTC()).Scan(&affiliateID, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qErr := tx.QueryRowContext(ctx, `select exists(select 1 from payouts where id=$1)`, id).Scan(&exists); qErr != nil {
			return ledger.Payout{}, qErr
		}
		if !exists {
			return ledger.Payout{}, ledger.ErrNotFound
		}
		return ledger.Payout{}, ledger.ErrInvalidState
	}
	if err != nil {
		return ledger.Payout{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update conversions set status='paid', updated_at=$2 where payout_id=$1
	`, id, at.UTC()); err != nil {
		return ledger.Payout{}, err
	}
	if err := applyDeltaTx(ctx, tx, affiliateID, ledger.PaidDelta(amount)); err != nil {
		return ledger.Payout{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Payout{}, err
	}
	return s.GetPayout(ctx, id)
}

func (s *Store) FailPayout(ctx context.Context, id, reason string) (ledger.Payout, error) {
	res, err := s.db.ExecContext(ctx, `
		update payouts set status='failed', failure_reason=$2
		where id=$1 and status='processing'
	`, id, reason)
	if err != nil {
		return ledger.Payout{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from payouts where id=$1)`, id).Scan(&exists); err != nil {
			return ledger.Payout{}, err
		}
		if !exists {
			return ledger.Payout{}, ledger.ErrNotFound
		}
		return ledger.Payout{}, ledger.ErrInvalidState
	}
	return s.GetPayout(ctx, id)
}

// --- helpers ---

func (s *Store) affiliateByPromo(ctx context.Context, code string) (ledger.Affiliate, error) {
	row := s.db.QueryRowContext(ctx, `select `+affiliateColumns+` from affiliates where promo_code=$1`,
		strings.ToUpper(strings.TrimSpace(code)))
	return scanAffiliate(row)
}

func (s *Store) memberConversions(ctx context.Context, payoutID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select id from conversions where payout_id=$1 order by created_at`, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAffiliate(row rowScanner) (ledger.Affiliate, error) {
	var (
		aff     ledger.Affiliate
		status  string
		profile []byte
	)
	err := row.Scan(&aff.ID, &aff.Email, &aff.PromoCode, &aff.CommissionRate,
		&aff.TotalEarned, &aff.TotalPaid, &aff.PendingAmount, &status, &profile, &aff.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Affiliate{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Affiliate{}, err
	}
	aff.Status = ledger.AffiliateStatus(status)
	aff.Profile, err = ledger.DecodeProfile(profile)
	if err != nil {
		return ledger.Affiliate{}, fmt.Errorf("decode payment profile for %s: %w", aff.ID, err)
	}
	return aff, nil
}

func scanConversion(row rowScanner) (ledger.Conversion, error) {
	var (
		c      ledger.Conversion
		status string
	)
	err := row.Scan(&c.ID, &c.AffiliateID, &c.OrderID, &c.OrderAmount,
		&c.CommissionAmount, &status, &c.PayoutID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Conversion{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Conversion{}, err
	}
	c.Status = ledger.ConversionStatus(status)
	return c, nil
}

func scanPayout(row rowScanner) (ledger.Payout, error) {
	var (
		p         ledger.Payout
		status    string
		processed sql.NullTime
	)
	err := row.Scan(&p.ID, &p.AffiliateID, &p.Amount, &status, &p.PaymentRef,
		&p.FailureReason, &processed, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payout{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Payout{}, err
	}
	p.Status = ledger.PayoutStatus(status)
	if processed.Valid {
		t := processed.Time.UTC()
		p.ProcessedAt = &t
	}
	return p, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
