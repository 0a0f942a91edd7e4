package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ayush/mlportal-service/internal/auth"
	"github.com/ayush/mlportal-service/internal/models"
	"github.com/ayush/mlportal-service/internal/store"
	"github.com/ayush/mlportal-service/internal/store/storetest"
)

const loginStatement = `SELECT * FROM "partnersintegration"."admin_login"($1, $2)`

type fakeSessions struct {
	err      error
	profiles []store.Row
}

func (f *fakeSessions) Create(_ context.Context, profile store.Row) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.profiles = append(f.profiles, profile)
	return "sid-123", nil
}

func (f *fakeSessions) TTL() time.Duration { return time.Hour }

type fakeAudit struct {
	mu      sync.Mutex
	err     error
	records []models.LoginAttempt
}

func (f *fakeAudit) Record(_ context.Context, attempt *models.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *attempt)
	return f.err
}

func adminRow() pgx.Rows {
	return storetest.NewRows([]string{"user_id", "display_name", "role"},
		[]any{"42", "Alice Admin", "admin"},
		[]any{"43", "Second Row", "viewer"},
	)
}

func failingRows(failures int) func(int, string, []any) (pgx.Rows, error) {
	return func(n int, _ string, _ []any) (pgx.Rows, error) {
		if n <= failures {
			return nil, errors.New("connection reset by peer")
		}
		return adminRow(), nil
	}
}

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mlportal/api/v1/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func formRequest(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mlportal/api/v1/login", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func decode(w *httptest.ResponseRecorder) map[string]any {
	var body map[string]any
	ExpectWithOffset(1, json.Unmarshal(w.Body.Bytes(), &body)).To(Succeed())
	return body
}

var _ = Describe("Handler", func() {
	var (
		pool    *storetest.Pool
		h       *auth.Handler
		logs    *observer.ObservedLogs
		opts    auth.Options
		newUnit func() *auth.Handler
	)

	BeforeEach(func() {
		pool = &storetest.Pool{QueryFunc: failingRows(0)}
		opts = auth.Options{
			Statement:    loginStatement,
			QueryTimeout: 40 * time.Second,
			MaxRetries:   3,
		}

		var core zapcore.Core
		core, logs = observer.New(zapcore.DebugLevel)
		newUnit = func() *auth.Handler {
			return auth.NewHandler(store.NewClient(pool, time.Second, nil), zap.New(core), opts)
		}
		h = newUnit()
	})

	Describe("validation", func() {
		DescribeTable("should reject missing credentials with 463 and never touch the database",
			func(req *http.Request) {
				w := httptest.NewRecorder()
				h.Login(w, req)

				Expect(w.Code).To(Equal(http.StatusOK))
				Expect(w.Body.String()).To(MatchJSON(`{"ResponseCode":463,"ResponseMessage":"Username and password are required."}`))
				Expect(pool.Calls()).To(Equal(0))
			},
			Entry("empty JSON object", jsonRequest(`{}`)),
			Entry("empty username", jsonRequest(`{"username":"","password":"secret"}`)),
			Entry("empty password", jsonRequest(`{"username":"alice","password":""}`)),
			Entry("absent password", jsonRequest(`{"username":"alice"}`)),
			Entry("malformed JSON", jsonRequest(`{"username":`)),
			Entry("empty body", jsonRequest(``)),
			Entry("form without password", formRequest(url.Values{"username": {"alice"}})),
			Entry("form without username", formRequest(url.Values{"password": {"secret"}})),
		)

		It("should log the rejection at error level", func() {
			h.Login(httptest.NewRecorder(), jsonRequest(`{}`))

			entries := logs.FilterMessage("Username and password are required.").All()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Level).To(Equal(zapcore.ErrorLevel))
		})
	})

	Describe("success", func() {
		It("should return 200 with the first row", func() {
			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			body := decode(w)
			Expect(body).To(HaveKeyWithValue("ResponseCode", BeNumerically("==", 200)))
			Expect(body).To(HaveKeyWithValue("ResponseMessage", "Success."))
			Expect(body["result"]).To(Equal(map[string]any{
				"user_id":      "42",
				"display_name": "Alice Admin",
				"role":         "admin",
			}))
			Expect(pool.Acquires()).To(Equal(1))
			Expect(pool.Releases()).To(Equal(1))
		})

		It("should pass username and password as positional parameters", func() {
			var gotSQL string
			var gotArgs []any
			pool.QueryFunc = func(_ int, sql string, args []any) (pgx.Rows, error) {
				gotSQL, gotArgs = sql, args
				return adminRow(), nil
			}

			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(gotSQL).To(Equal(loginStatement))
			Expect(gotArgs).To(Equal([]any{"alice", "secret"}))
		})

		It("should accept form-encoded bodies", func() {
			w := httptest.NewRecorder()
			h.Login(w, formRequest(url.Values{"username": {"alice"}, "password": {"secret"}}))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)).To(HaveKey("result"))
		})

		It("should bound every attempt by the query timeout", func() {
			pool.QueryFunc = failingRows(2)

			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"secret"}`))

			budgets := pool.QueryBudgets()
			Expect(budgets).To(HaveLen(3))
			for _, b := range budgets {
				Expect(b).To(BeNumerically("~", 40*time.Second, time.Second))
			}
		})

		It("should return uuid columns as strings", func() {
			id := [16]byte{0x6f, 0x1c, 0x2a, 0x3b, 0x11, 0x11, 0x22, 0x22, 0x33, 0x33, 0x44, 0x44, 0x55, 0x55, 0x66, 0x66}
			pool.QueryFunc = func(int, string, []any) (pgx.Rows, error) {
				return storetest.NewRows([]string{"user_id", "role"}, []any{id, "admin"}), nil
			}

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Body.String()).To(MatchJSON(`{
				"ResponseCode": 200,
				"ResponseMessage": "Success.",
				"result": {"user_id": "6f1c2a3b-1111-2222-3333-444455556666", "role": "admin"}
			}`))
		})

		It("should omit result when the routine returns no rows", func() {
			pool.QueryFunc = func(int, string, []any) (pgx.Rows, error) {
				return storetest.NewRows([]string{"user_id"}), nil
			}

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"wrong"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)).NotTo(HaveKey("result"))
		})

		It("should log the attempt at info level", func() {
			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"secret"}`))

			entries := logs.FilterMessage("login attempt succeeded").All()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ContextMap()).To(HaveKeyWithValue("attempt", int64(1)))
			Expect(entries[0].ContextMap()).To(HaveKeyWithValue("occurred", "[auth.Login]"))
		})
	})

	Describe("retries", func() {
		It("should succeed on the fourth attempt after three failures", func() {
			pool.QueryFunc = failingRows(3)

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)["result"]).To(HaveKeyWithValue("user_id", "42"))
			Expect(pool.Acquires()).To(Equal(4))
			Expect(pool.Releases()).To(Equal(4))
			Expect(pool.MaxInFlight()).To(Equal(1))
			Expect(pool.Events()).To(Equal([]string{
				"acquire:1", "release:1",
				"acquire:2", "release:2",
				"acquire:3", "release:3",
				"acquire:4", "release:4",
			}))
		})

		It("should return 500 after four failed attempts without leaking connections", func() {
			pool.QueryFunc = failingRows(100)

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"ResponseCode":500,"ResponseMessage":"Something went wrong. Please try again later."}`))
			Expect(w.Body.String()).NotTo(ContainSubstring("reset"))
			Expect(pool.Acquires()).To(Equal(4))
			Expect(pool.Releases()).To(Equal(4))
			Expect(pool.DoubleReleases()).To(Equal(0))
			Expect(pool.MaxInFlight()).To(Equal(1))
		})

		It("should log every failed attempt", func() {
			pool.QueryFunc = failingRows(100)

			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"secret"}`))

			entries := logs.FilterMessage("login attempt failed").All()
			Expect(entries).To(HaveLen(4))
			for i, e := range entries {
				Expect(e.Level).To(Equal(zapcore.ErrorLevel))
				Expect(e.ContextMap()).To(HaveKeyWithValue("attempt", int64(i+1)))
			}
		})

		It("should retry connection failures", func() {
			pool.AcquireFunc = func(n int) error {
				if n < 3 {
					return errors.New("dial tcp: connection refused")
				}
				return nil
			}

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(pool.Calls()).To(Equal(3))
			Expect(pool.Acquires()).To(Equal(1))
			Expect(pool.Releases()).To(Equal(1))
		})

		It("should stop early on a non-retryable error", func() {
			pool.QueryFunc = func(int, string, []any) (pgx.Rows, error) {
				return nil, &pgconn.PgError{Code: "42883", Message: "function admin_login does not exist"}
			}

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)).To(HaveKeyWithValue("ResponseCode", BeNumerically("==", 500)))
			Expect(pool.Acquires()).To(Equal(1))
			Expect(pool.Releases()).To(Equal(1))
		})

		It("should honour a smaller retry budget", func() {
			opts.MaxRetries = 0
			h = newUnit()
			pool.QueryFunc = failingRows(100)

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(decode(w)).To(HaveKeyWithValue("ResponseCode", BeNumerically("==", 500)))
			Expect(pool.Acquires()).To(Equal(1))
		})

		It("should wait between attempts when a backoff is configured", func() {
			opts.RetryBackoff = 20 * time.Millisecond
			h = newUnit()
			pool.QueryFunc = failingRows(2)

			start := time.Now()
			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(time.Since(start)).To(BeNumerically(">=", 40*time.Millisecond))
		})

		It("should keep going when the client cancels the request", func() {
			pool.QueryFunc = failingRows(1)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`).WithContext(ctx))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(pool.Acquires()).To(Equal(2))
		})
	})

	Describe("sessions", func() {
		var sessions *fakeSessions

		BeforeEach(func() {
			sessions = &fakeSessions{}
			h.WithSessions(sessions)
		})

		It("should set a session cookie on success", func() {
			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			cookies := w.Result().Cookies()
			Expect(cookies).To(HaveLen(1))
			Expect(cookies[0].Name).To(Equal(auth.SessionCookie))
			Expect(cookies[0].Value).To(Equal("sid-123"))
			Expect(cookies[0].HttpOnly).To(BeTrue())
			Expect(sessions.profiles).To(HaveLen(1))
			Expect(sessions.profiles[0]).To(HaveKeyWithValue("user_id", "42"))
		})

		It("should still answer 200 when the session store fails", func() {
			sessions.err = errors.New("redis down")

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Result().Cookies()).To(BeEmpty())
		})

		It("should not create a session when no row matched", func() {
			pool.QueryFunc = func(int, string, []any) (pgx.Rows, error) {
				return storetest.NewRows([]string{"user_id"}), nil
			}

			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"wrong"}`))
			Expect(sessions.profiles).To(BeEmpty())
		})
	})

	Describe("audit", func() {
		var audit *fakeAudit

		BeforeEach(func() {
			audit = &fakeAudit{}
			h.WithAudit(audit)
		})

		It("should record a successful login", func() {
			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(audit.records).To(HaveLen(1))
			rec := audit.records[0]
			Expect(rec.Username).To(Equal("alice"))
			Expect(rec.Outcome).To(Equal(models.OutcomeSuccess))
			Expect(rec.Attempts).To(Equal(1))
			Expect(rec.ResponseCode).To(Equal(200))
		})

		It("should record exhausted retries", func() {
			pool.QueryFunc = failingRows(100)

			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(audit.records).To(HaveLen(1))
			Expect(audit.records[0].Outcome).To(Equal(models.OutcomeExhausted))
			Expect(audit.records[0].Attempts).To(Equal(4))
			Expect(audit.records[0].ResponseCode).To(Equal(500))
		})

		It("should record rejected requests", func() {
			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice"}`))

			Expect(audit.records).To(HaveLen(1))
			Expect(audit.records[0].Outcome).To(Equal(models.OutcomeInvalid))
			Expect(audit.records[0].ResponseCode).To(Equal(463))
		})

		It("should never store the password", func() {
			h.Login(httptest.NewRecorder(), jsonRequest(`{"username":"alice","password":"hunter2"}`))

			data, err := json.Marshal(audit.records)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).NotTo(ContainSubstring("hunter2"))
		})

		It("should not change the response when the audit store fails", func() {
			audit.err = errors.New("mongo unavailable")

			w := httptest.NewRecorder()
			h.Login(w, jsonRequest(`{"username":"alice","password":"secret"}`))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(logs.FilterMessage("audit record failed").Len()).To(Equal(1))
		})
	})
})
