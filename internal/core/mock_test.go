package core

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"github.com/echoport/echoport/internal/runner"
)

// ---------- Mock DB ----------

// mockDB implements the DB interface for testing.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// ---------- Mock TxDB ----------

// mockTxDB wraps a mockDB and hands out transactions that delegate to the
// same mock, recording commits and rollbacks.
type mockTxDB struct {
	*mockDB
	commits   int
	rollbacks int
	beginErr  error
}

func newMockTxDB() *mockTxDB {
	return &mockTxDB{mockDB: &mockDB{}}
}

func (m *mockTxDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &mockTx{parent: m}, nil
}

// mockTx implements the subset of pgx.Tx the stores use; the embedded
// interface panics on anything else, which is what we want in tests.
type mockTx struct {
	pgx.Tx
	parent *mockTxDB
	done   bool
}

func (t *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return t.parent.mockDB.Exec(ctx, sql, arguments...)
}

func (t *mockTx) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	return t.parent.mockDB.Query(ctx, sql, arguments...)
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	return t.parent.mockDB.QueryRow(ctx, sql, arguments...)
}

func (t *mockTx) Commit(ctx context.Context) error {
	t.done = true
	t.parent.commits++
	return nil
}

func (t *mockTx) Rollback(ctx context.Context) error {
	if !t.done {
		t.parent.rollbacks++
		t.done = true
	}
	return nil
}

// ---------- Mock Row ----------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

// ---------- Mock Rows ----------

// mockRows implements pgx.Rows for testing.
// It iterates through a list of scan functions, one per row.
type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
	err       error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

// newEmptyMockRows returns a mockRows that yields zero rows.
func newEmptyMockRows() *mockRows {
	return &mockRows{}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}

func (m *mockRows) Scan(dest ...any) error {
	if m.callIndex < len(m.scanFuncs) {
		fn := m.scanFuncs[m.callIndex]
		m.callIndex++
		return fn(dest...)
	}
	return nil
}

func (m *mockRows) Err() error                                   { return m.err }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

// ---------- Mock JobRunner ----------

type mockJobRunner struct {
	mock.Mock
}

func (m *mockJobRunner) Start(ctx context.Context, service string, env map[string]string) (int64, error) {
	args := m.Called(ctx, service, env)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockJobRunner) Status(ctx context.Context, jobID int64) (runner.JobStatus, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(runner.JobStatus), args.Error(1)
}

// ---------- Mock ObjectStore ----------

type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) Delete(ctx context.Context, bucket, key string) error {
	args := m.Called(ctx, bucket, key)
	return args.Error(0)
}

func (m *mockObjectStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	args := m.Called(ctx, bucket, key)
	return args.Bool(0), args.Error(1)
}

// sqlContains returns a testify matcher that matches SQL containing the
// given fragment, so expectations can target individual store calls.
func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}
