/*
Package sqlite provides a SQLite-backed implementation of assessment.Store.

PURPOSE:
  Implements the transactional persistence the platform depends on: vendors
  and their wallet ledger, tests with their embedded access list, grants,
  sessions and system settings. In production the same patterns apply to
  PostgreSQL with only minor SQL dialect differences.

TRANSACTIONS:
  Every read and write goes through WithTx. The pool is pinned to a single
  connection and transactions begin IMMEDIATE, so transactions are fully
  serialized: a read-modify-write inside one Tx can never interleave with
  another writer. A busy/locked error is reported as
  assessment.ErrConcurrentModification so assessment.RunTx can retry it.

KEY CONSTRAINTS:
  - grants UNIQUE(test_id, identity):             one grant per candidate
  - idx_sessions_one_live (partial unique index): one live session per (test, user)
  - allowed_users PRIMARY KEY(test_id, email):    no duplicate access entries
  - tests.current_user_count CHECK >= 0

TIME & MONEY:
  Times are stored as fixed-width UTC strings (timeLayout) so that string
  comparison in SQL orders correctly. Amounts are decimal strings.

MIGRATION:
  Schema is versioned in migrations/ and applied on New() with sql-migrate.

USAGE:
  store, err := sqlite.New("./data/assessment.db")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

SEE ALSO:
  - assessment/store.go: Interface definitions
  - assessment/tx.go: RunTx retry loop
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/assessment"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed width so lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements assessment.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: serializes transactions and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations,
		Root:       "migrations",
	}
	_, err := migrate.Exec(s.db, "sqlite3", source, migrate.Up)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// TRANSACTION SCOPE
// =============================================================================

// WithTx executes fn within a database transaction. The transaction commits
// only if fn returns nil; every other exit path, panics included, rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(assessment.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dbError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return dbError("commit transaction", err)
	}
	return nil
}

// txStore implements assessment.Tx on top of a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

var _ assessment.Tx = (*txStore)(nil)

// =============================================================================
// VENDORS
// =============================================================================

const vendorColumns = `id, name, email, company, status, balance, currency, plan,
	settings_json, approved_at, approved_by, created_at, updated_at`

func (ts *txStore) GetVendor(ctx context.Context, id assessment.VendorID) (*assessment.Vendor, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id = ?`, id)
	v, err := scanVendor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assessment.ErrVendorNotFound
	}
	if err != nil {
		return nil, dbError("get vendor", err)
	}
	return v, nil
}

func (ts *txStore) InsertVendor(ctx context.Context, v assessment.Vendor) error {
	settings, err := marshalJSON(v.Settings)
	if err != nil {
		return err
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO vendors (`+vendorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Name, v.Email, v.Company, v.Status,
		v.Wallet.Balance.String(), v.Wallet.Currency, v.Plan,
		settings, nullTime(v.ApprovedAt), nullString(v.ApprovedBy),
		formatTime(v.CreatedAt), formatTime(v.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("vendor %s: %w", v.ID, assessment.ErrConflict)
	}
	return dbError("insert vendor", err)
}

func (ts *txStore) UpdateVendorProfile(ctx context.Context, v assessment.Vendor) error {
	settings, err := marshalJSON(v.Settings)
	if err != nil {
		return err
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE vendors
		SET name = ?, email = ?, company = ?, status = ?, currency = ?, plan = ?,
		    settings_json = ?, approved_at = ?, approved_by = ?, updated_at = ?
		WHERE id = ?`,
		v.Name, v.Email, v.Company, v.Status, v.Wallet.Currency, v.Plan,
		settings, nullTime(v.ApprovedAt), nullString(v.ApprovedBy), formatTime(v.UpdatedAt),
		v.ID,
	)
	return mustAffect(res, err, "update vendor", assessment.ErrVendorNotFound)
}

func scanVendor(row scanner) (*assessment.Vendor, error) {
	var (
		v          assessment.Vendor
		balance    string
		settings   string
		approvedAt sql.NullString
		approvedBy sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&v.ID, &v.Name, &v.Email, &v.Company, &v.Status, &balance,
		&v.Wallet.Currency, &v.Plan, &settings, &approvedAt, &approvedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if v.Wallet.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("vendor %s balance: %w", v.ID, err)
	}
	if err := unmarshalJSON(settings, &v.Settings); err != nil {
		return nil, err
	}
	v.ApprovedAt = parseNullTime(approvedAt)
	v.ApprovedBy = approvedBy.String
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// =============================================================================
// WALLET
// =============================================================================

func (ts *txStore) AdjustBalance(ctx context.Context, id assessment.VendorID, delta decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := ts.tx.QueryRowContext(ctx, `SELECT balance FROM vendors WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, assessment.ErrVendorNotFound
	}
	if err != nil {
		return decimal.Zero, dbError("read balance", err)
	}

	current, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vendor %s balance: %w", id, err)
	}
	next := current.Add(delta)

	_, err = ts.tx.ExecContext(ctx,
		`UPDATE vendors SET balance = ?, updated_at = ? WHERE id = ?`,
		next.String(), formatTime(time.Now()), id,
	)
	if err != nil {
		return decimal.Zero, dbError("write balance", err)
	}
	return next, nil
}

const walletTxColumns = `id, vendor_id, tx_type, amount, description, test_id, reference,
	users_count, status, refundable, created_at`

func (ts *txStore) AppendTransaction(ctx context.Context, t assessment.WalletTransaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (`+walletTxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.VendorID, t.Type, t.Amount.String(), t.Description,
		nullString(string(t.TestID)), nullString(t.Reference),
		t.UsersCount, t.Status, t.Refundable, formatTime(t.CreatedAt),
	)
	return dbError("append wallet transaction", err)
}

func (ts *txStore) ListTransactions(ctx context.Context, id assessment.VendorID, offset, limit int) ([]assessment.WalletTransaction, int, error) {
	var total int
	err := ts.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallet_transactions WHERE vendor_id = ?`, id,
	).Scan(&total)
	if err != nil {
		return nil, 0, dbError("count wallet transactions", err)
	}

	rows, err := ts.tx.QueryContext(ctx, `
		SELECT `+walletTxColumns+`
		FROM wallet_transactions
		WHERE vendor_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`,
		id, limit, offset,
	)
	if err != nil {
		return nil, 0, dbError("list wallet transactions", err)
	}
	defer rows.Close()

	var txs []assessment.WalletTransaction
	for rows.Next() {
		t, err := scanWalletTx(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, *t)
	}
	return txs, total, rows.Err()
}

func (ts *txStore) FindRefundableDebit(ctx context.Context, id assessment.VendorID, testID assessment.TestID, reference string) (*assessment.WalletTransaction, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+walletTxColumns+`
		FROM wallet_transactions
		WHERE vendor_id = ? AND test_id = ? AND tx_type = 'debit' AND refundable = TRUE
		  AND (? = '' OR reference = ?)
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`,
		id, testID, reference, reference,
	)
	t, err := scanWalletTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("find refundable debit", err)
	}
	return t, nil
}

func (ts *txStore) ClearRefundable(ctx context.Context, txID assessment.TransactionID) error {
	_, err := ts.tx.ExecContext(ctx,
		`UPDATE wallet_transactions SET refundable = FALSE WHERE id = ?`, txID)
	return dbError("clear refundable", err)
}

func (ts *txStore) SumTransactions(ctx context.Context, id assessment.VendorID) (decimal.Decimal, decimal.Decimal, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT tx_type, amount FROM wallet_transactions WHERE vendor_id = ?`, id)
	if err != nil {
		return decimal.Zero, decimal.Zero, dbError("sum wallet transactions", err)
	}
	defer rows.Close()

	credits, debits := decimal.Zero, decimal.Zero
	for rows.Next() {
		var (
			txType assessment.TransactionType
			raw    string
		)
		if err := rows.Scan(&txType, &raw); err != nil {
			return decimal.Zero, decimal.Zero, dbError("scan wallet amount", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("wallet amount %q: %w", raw, err)
		}
		if txType == assessment.TxDebit {
			debits = debits.Add(amount)
		} else {
			credits = credits.Add(amount)
		}
	}
	return credits, debits, rows.Err()
}

func scanWalletTx(row scanner) (*assessment.WalletTransaction, error) {
	var (
		t         assessment.WalletTransaction
		amount    string
		testID    sql.NullString
		reference sql.NullString
		createdAt string
	)
	err := row.Scan(&t.ID, &t.VendorID, &t.Type, &amount, &t.Description, &testID,
		&reference, &t.UsersCount, &t.Status, &t.Refundable, &createdAt)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("wallet transaction %s amount: %w", t.ID, err)
	}
	t.TestID = assessment.TestID(testID.String)
	t.Reference = reference.String
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// =============================================================================
// TESTS & ACCESS LIST
// =============================================================================

func (ts *txStore) InsertTest(ctx context.Context, t assessment.Test) error {
	ac := t.AccessControl
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO tests (id, vendor_id, title, duration_minutes, is_active, access_type,
			current_user_count, user_limit, valid_until, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		t.ID, t.VendorID, t.Title, t.Duration, t.IsActive, ac.Type,
		ac.UserLimit, nullTime(ac.ValidUntil), ac.MaxAttempts,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("test %s: %w", t.ID, assessment.ErrConflict)
	}
	if err != nil {
		return dbError("insert test", err)
	}

	for _, u := range ac.AllowedUsers {
		if err := ts.AddAllowedUser(ctx, t.ID, u); err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) GetTest(ctx context.Context, id assessment.TestID) (*assessment.Test, error) {
	var (
		t          assessment.Test
		validUntil sql.NullString
		createdAt  string
		updatedAt  string
	)
	err := ts.tx.QueryRowContext(ctx, `
		SELECT id, vendor_id, title, duration_minutes, is_active, access_type,
		       current_user_count, user_limit, valid_until, max_attempts, created_at, updated_at
		FROM tests WHERE id = ?`, id,
	).Scan(&t.ID, &t.VendorID, &t.Title, &t.Duration, &t.IsActive, &t.AccessControl.Type,
		&t.AccessControl.CurrentUserCount, &t.AccessControl.UserLimit, &validUntil,
		&t.AccessControl.MaxAttempts, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assessment.ErrTestNotFound
	}
	if err != nil {
		return nil, dbError("get test", err)
	}
	t.AccessControl.ValidUntil = parseNullTime(validUntil)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)

	rows, err := ts.tx.QueryContext(ctx, `
		SELECT email, name, added_at, test_started, payment_status, payment_amount
		FROM allowed_users WHERE test_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, dbError("list allowed users", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			u       assessment.AllowedUser
			addedAt string
			amount  string
		)
		if err := rows.Scan(&u.Email, &u.Name, &addedAt, &u.TestStarted, &u.PaymentStatus, &amount); err != nil {
			return nil, dbError("scan allowed user", err)
		}
		u.AddedAt = parseTime(addedAt)
		if u.PaymentAmount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("allowed user %s payment amount: %w", u.Email, err)
		}
		t.AccessControl.AllowedUsers = append(t.AccessControl.AllowedUsers, u)
	}
	return &t, rows.Err()
}

func (ts *txStore) SetTestActive(ctx context.Context, id assessment.TestID, active bool) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE tests SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, formatTime(time.Now()), id)
	return mustAffect(res, err, "set test active", assessment.ErrTestNotFound)
}

// AddAllowedUser inserts the entry and bumps current_user_count in the same
// transaction. The insert goes first so a duplicate never touches the count.
func (ts *txStore) AddAllowedUser(ctx context.Context, id assessment.TestID, u assessment.AllowedUser) error {
	paymentStatus := u.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = assessment.PaymentNone
	}

	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO allowed_users (test_id, email, name, added_at, test_started,
			payment_status, payment_amount, position)
		VALUES (?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM allowed_users WHERE test_id = ?))`,
		id, u.Email, u.Name, formatTime(u.AddedAt), u.TestStarted,
		paymentStatus, u.PaymentAmount.String(), id,
	)
	if isUniqueViolation(err) {
		return assessment.ErrDuplicateGrant
	}
	if isForeignKeyViolation(err) {
		return assessment.ErrTestNotFound
	}
	if err != nil {
		return dbError("insert allowed user", err)
	}

	res, err := ts.tx.ExecContext(ctx,
		`UPDATE tests SET current_user_count = current_user_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	return mustAffect(res, err, "increment user count", assessment.ErrTestNotFound)
}

func (ts *txStore) RemoveAllowedUser(ctx context.Context, id assessment.TestID, email string) error {
	res, err := ts.tx.ExecContext(ctx,
		`DELETE FROM allowed_users WHERE test_id = ? AND email = ?`, id, email)
	if err := mustAffect(res, err, "delete allowed user", assessment.ErrUserNotFound); err != nil {
		return err
	}

	res, err = ts.tx.ExecContext(ctx,
		`UPDATE tests SET current_user_count = current_user_count - 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	return mustAffect(res, err, "decrement user count", assessment.ErrTestNotFound)
}

func (ts *txStore) UpdateAllowedUser(ctx context.Context, id assessment.TestID, u assessment.AllowedUser) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE allowed_users
		SET name = ?, test_started = ?, payment_status = ?, payment_amount = ?
		WHERE test_id = ? AND email = ?`,
		u.Name, u.TestStarted, u.PaymentStatus, u.PaymentAmount.String(), id, u.Email,
	)
	return mustAffect(res, err, "update allowed user", assessment.ErrUserNotFound)
}

// =============================================================================
// GRANTS
// =============================================================================

const grantColumns = `id, test_id, vendor_id, identity, user_id, valid_until, max_attempts,
	attempts_used, status, test_status, session_status, last_accessed_at, created_at, updated_at`

func (ts *txStore) InsertGrant(ctx context.Context, g assessment.Grant) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.TestID, g.VendorID, g.Identity, nullString(string(g.UserID)),
		formatTime(g.ValidUntil), g.MaxAttempts, g.AttemptsUsed, g.Status, g.TestStatus,
		nullString(string(g.SessionStatus)), nullTime(g.LastAccessedAt),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return assessment.ErrDuplicateGrant
	}
	return dbError("insert grant", err)
}

func (ts *txStore) GetGrant(ctx context.Context, testID assessment.TestID, identity string) (*assessment.Grant, error) {
	row := ts.tx.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE test_id = ? AND identity = ?`, testID, identity)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assessment.ErrGrantNotFound
	}
	if err != nil {
		return nil, dbError("get grant", err)
	}
	return g, nil
}

func (ts *txStore) UpdateGrant(ctx context.Context, g assessment.Grant) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE grants
		SET user_id = ?, valid_until = ?, max_attempts = ?, attempts_used = ?, status = ?,
		    test_status = ?, session_status = ?, last_accessed_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(string(g.UserID)), formatTime(g.ValidUntil), g.MaxAttempts, g.AttemptsUsed,
		g.Status, g.TestStatus, nullString(string(g.SessionStatus)), nullTime(g.LastAccessedAt),
		formatTime(g.UpdatedAt), g.ID,
	)
	return mustAffect(res, err, "update grant", assessment.ErrGrantNotFound)
}

func (ts *txStore) ListGrants(ctx context.Context, testID assessment.TestID) ([]assessment.Grant, error) {
	rows, err := ts.tx.QueryContext(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE test_id = ? ORDER BY created_at ASC, rowid ASC`, testID)
	if err != nil {
		return nil, dbError("list grants", err)
	}
	defer rows.Close()

	var grants []assessment.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, dbError("scan grant", err)
		}
		grants = append(grants, *g)
	}
	return grants, rows.Err()
}

func (ts *txStore) ExpireGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE grants SET status = 'expired', updated_at = ?
		WHERE status = 'active' AND valid_until < ?`,
		formatTime(now), formatTime(now))
	if err != nil {
		return 0, dbError("expire grants", err)
	}
	n, err := res.RowsAffected()
	return int(n), dbError("expire grants", err)
}

func scanGrant(row scanner) (*assessment.Grant, error) {
	var (
		g             assessment.Grant
		userID        sql.NullString
		validUntil    string
		sessionStatus sql.NullString
		lastAccessed  sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&g.ID, &g.TestID, &g.VendorID, &g.Identity, &userID, &validUntil,
		&g.MaxAttempts, &g.AttemptsUsed, &g.Status, &g.TestStatus, &sessionStatus,
		&lastAccessed, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	g.UserID = assessment.UserID(userID.String)
	g.ValidUntil = parseTime(validUntil)
	g.SessionStatus = assessment.SessionStatus(sessionStatus.String)
	g.LastAccessedAt = parseNullTime(lastAccessed)
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

// =============================================================================
// SESSIONS
// =============================================================================

const sessionColumns = `id, test_id, user_id, user_email, start_time, expires_at, max_duration,
	status, test_status, progress_json, analytics_json, device_json, end_time, submission_type,
	hold_tx_id, billing_status, created_at, updated_at`

// liveStatuses is the SQL list matching assessment.LiveSessionStatuses.
var liveStatuses = func() string {
	quoted := make([]string, len(assessment.LiveSessionStatuses))
	for i, s := range assessment.LiveSessionStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}()

func (ts *txStore) InsertSession(ctx context.Context, s assessment.Session) error {
	progress, analytics, device, err := marshalSessionDocs(s)
	if err != nil {
		return err
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TestID, s.UserID, s.UserEmail, formatTime(s.StartTime), formatTime(s.ExpiresAt),
		s.MaxDuration, s.Status, s.TestStatus, progress, analytics, device,
		nullTime(s.EndTime), nullString(s.SubmissionType), nullString(string(s.HoldTransactionID)),
		s.BillingStatus, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return assessment.ErrActiveSessionExists
	}
	return dbError("insert session", err)
}

func (ts *txStore) GetSession(ctx context.Context, id assessment.SessionID) (*assessment.Session, error) {
	row := ts.tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, assessment.ErrSessionNotFound
	}
	if err != nil {
		return nil, dbError("get session", err)
	}
	return s, nil
}

func (ts *txStore) FindLiveSession(ctx context.Context, testID assessment.TestID, userID assessment.UserID) (*assessment.Session, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE test_id = ? AND user_id = ? AND status IN (`+liveStatuses+`)`,
		testID, userID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("find live session", err)
	}
	return s, nil
}

func (ts *txStore) UpdateSession(ctx context.Context, s assessment.Session) error {
	progress, analytics, device, err := marshalSessionDocs(s)
	if err != nil {
		return err
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, test_status = ?, progress_json = ?, analytics_json = ?, device_json = ?,
		    end_time = ?, submission_type = ?, hold_tx_id = ?, billing_status = ?, updated_at = ?
		WHERE id = ?`,
		s.Status, s.TestStatus, progress, analytics, device,
		nullTime(s.EndTime), nullString(s.SubmissionType), nullString(string(s.HoldTransactionID)),
		s.BillingStatus, formatTime(s.UpdatedAt), s.ID,
	)
	if isUniqueViolation(err) {
		return assessment.ErrActiveSessionExists
	}
	return mustAffect(res, err, "update session", assessment.ErrSessionNotFound)
}

// ExpireSessions flips overdue live sessions to expired and keeps the grant
// mirror in step, all inside the caller's transaction.
func (ts *txStore) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	type key struct {
		testID string
		email  string
	}

	rows, err := ts.tx.QueryContext(ctx, `
		SELECT test_id, user_email FROM sessions
		WHERE status IN (`+liveStatuses+`) AND expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, dbError("select expired sessions", err)
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.testID, &k.email); err != nil {
			rows.Close()
			return 0, dbError("scan expired session", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, dbError("select expired sessions", err)
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE sessions SET status = 'expired', updated_at = ?
		WHERE status IN (`+liveStatuses+`) AND expires_at < ?`,
		formatTime(now), formatTime(now))
	if err != nil {
		return 0, dbError("expire sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("expire sessions", err)
	}

	for _, k := range keys {
		if k.email == "" {
			continue
		}
		_, err := ts.tx.ExecContext(ctx, `
			UPDATE grants SET session_status = 'expired', updated_at = ?
			WHERE test_id = ? AND identity = ?`,
			formatTime(now), k.testID, k.email)
		if err != nil {
			return 0, dbError("mirror expired session", err)
		}
	}
	return int(n), nil
}

func (ts *txStore) ListSessionsByBilling(ctx context.Context, status assessment.BillingStatus) ([]assessment.Session, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE billing_status = ? ORDER BY updated_at DESC`, status)
	if err != nil {
		return nil, dbError("list sessions by billing", err)
	}
	defer rows.Close()

	var sessions []assessment.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, dbError("scan session", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(row scanner) (*assessment.Session, error) {
	var (
		s              assessment.Session
		startTime      string
		expiresAt      string
		progress       string
		analytics      string
		device         string
		endTime        sql.NullString
		submissionType sql.NullString
		holdTxID       sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := row.Scan(&s.ID, &s.TestID, &s.UserID, &s.UserEmail, &startTime, &expiresAt,
		&s.MaxDuration, &s.Status, &s.TestStatus, &progress, &analytics, &device,
		&endTime, &submissionType, &holdTxID, &s.BillingStatus, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(progress, &s.Progress); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(analytics, &s.Analytics); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(device, &s.DeviceInfo); err != nil {
		return nil, err
	}
	s.StartTime = parseTime(startTime)
	s.ExpiresAt = parseTime(expiresAt)
	s.EndTime = parseNullTime(endTime)
	s.SubmissionType = submissionType.String
	s.HoldTransactionID = assessment.TransactionID(holdTxID.String)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}

func marshalSessionDocs(s assessment.Session) (progress, analytics, device string, err error) {
	if progress, err = marshalJSON(s.Progress); err != nil {
		return
	}
	if analytics, err = marshalJSON(s.Analytics); err != nil {
		return
	}
	device, err = marshalJSON(s.DeviceInfo)
	return
}

// =============================================================================
// SYSTEM SETTINGS
// =============================================================================

func (ts *txStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := ts.tx.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbError("get setting", err)
	}
	return value, true, nil
}

func (ts *txStore) PutSetting(ctx context.Context, key, value, updatedBy string) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_by, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
		key, value, updatedBy, formatTime(time.Now()))
	return dbError("put setting", err)
}
