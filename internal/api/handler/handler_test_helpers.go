package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"

	"github.com/echoport/echoport/internal/core"
	"github.com/echoport/echoport/internal/model"
)

// newRequest creates a new HTTP request with an optional JSON body.
func newRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, target, &buf)
	if body != nil {
		r.ContentLength = int64(buf.Len())
	}
	r.Header.Set("Content-Type", "application/json")
	return r
}

// newRequestRaw creates a new HTTP request with a raw string body.
func newRequestRaw(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// withChiURLParam adds a chi URL parameter to the request context.
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// decodeErrorResponse parses the JSON error response body into a map.
func decodeErrorResponse(rec *httptest.ResponseRecorder) map[string]string {
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	return body
}

const validID = "test-id-1"

// ---------- Mock DB ----------

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

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

func errRow(err error) *mockRow {
	return &mockRow{scanFunc: func(dest ...any) error { return err }}
}

type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
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

func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

func sqlContains(fragment string) any {
	return mock.MatchedBy(func(sql string) bool {
		return strings.Contains(sql, fragment)
	})
}

// ---------- Fixtures ----------

func scanTarget(t model.Target) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = t.ID
		*(dest[1].(*string)) = t.Name
		*(dest[2].(*string)) = t.Description
		*(dest[3].(*string)) = t.Icon
		*(dest[4].(*string)) = t.Service
		*(dest[5].(*string)) = t.DBPath
		*(dest[6].(*[]string)) = t.BackupFiles
		*(dest[7].(*string)) = t.Schedule
		*(dest[8].(*string)) = t.Status
		*(dest[9].(*int)) = t.RetentionDays
		*(dest[10].(*int)) = t.TimeoutSeconds
		*(dest[11].(*string)) = t.StorageBucket
		*(dest[12].(*string)) = t.ServiceName
		*(dest[13].(*time.Time)) = t.CreatedAt
		*(dest[14].(*time.Time)) = t.UpdatedAt
		return nil
	}
}

func scanBackupRun(r model.BackupRun) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = r.ID
		*(dest[1].(*string)) = r.TargetID
		*(dest[2].(*string)) = r.Status
		*(dest[3].(*string)) = r.Trigger
		*(dest[4].(*string)) = r.TriggeredBy
		*(dest[5].(**int64)) = r.JobID
		*(dest[6].(*string)) = r.StorageBucket
		*(dest[7].(*string)) = r.StorageKey
		*(dest[8].(**int64)) = r.SizeBytes
		*(dest[9].(*string)) = r.ChecksumSHA256
		*(dest[10].(**int)) = r.FileCount
		*(dest[11].(*string)) = r.ErrorMessage
		*(dest[12].(*string)) = r.Logs
		*(dest[13].(*time.Time)) = r.StartedAt
		*(dest[14].(**time.Time)) = r.FinishedAt
		return nil
	}
}

func scanRestoreRun(r model.RestoreRun) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = r.ID
		*(dest[1].(*string)) = r.BackupRunID
		*(dest[2].(*string)) = r.TargetID
		*(dest[3].(*string)) = r.Status
		*(dest[4].(*string)) = r.Trigger
		*(dest[5].(*string)) = r.TriggeredBy
		*(dest[6].(**int64)) = r.JobID
		*(dest[7].(**int)) = r.FilesRestored
		*(dest[8].(*string)) = r.ErrorMessage
		*(dest[9].(*string)) = r.Logs
		*(dest[10].(*time.Time)) = r.StartedAt
		*(dest[11].(**time.Time)) = r.FinishedAt
		return nil
	}
}

func testTarget(name string) model.Target {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.Target{
		ID:             "target-" + name,
		Name:           name,
		Service:        "echoport-backup",
		Schedule:       "0 2 * * *",
		Status:         model.TargetActive,
		RetentionDays:  30,
		TimeoutSeconds: 3600,
		StorageBucket:  "echoport-" + name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// idleWorker builds a worker whose background lookups come up empty, so
// trigger handlers can be tested without running a real orchestration.
// Drain the returned worker before the test ends.
func idleWorker() *core.Worker {
	db := &mockDB{}
	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(errRow(pgx.ErrNoRows)).Maybe()
	return core.NewWorker(
		core.NewTargetStore(db),
		core.NewBackupRunStore(db),
		core.NewRestoreRunStore(db),
		nil, nil,
		zerolog.Nop(),
	)
}
