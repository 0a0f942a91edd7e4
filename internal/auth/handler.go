package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ayush/mlportal-service/internal/models"
	"github.com/ayush/mlportal-service/internal/response"
	"github.com/ayush/mlportal-service/internal/store"
)

const (
	maxBodyBytes = 1 << 20
	auditTimeout = 3 * time.Second
	occurred     = "[auth.Login]"
)

var (
	ErrInvalidCredentials = errors.New("username and password are required")
	ErrRetriesExhausted   = errors.New("login retries exhausted")
)

// SessionIssuer creates a session for a successful login.
type SessionIssuer interface {
	Create(ctx context.Context, profile store.Row) (string, error)
	TTL() time.Duration
}

// AuditRecorder persists one record per login request.
type AuditRecorder interface {
	Record(ctx context.Context, attempt *models.LoginAttempt) error
}

type Options struct {
	// Statement calls the credential-checking routine with username and
	// password as $1 and $2.
	Statement    string
	QueryTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// Handler serves the login endpoint.
type Handler struct {
	db       *store.Client
	sessions SessionIssuer
	audit    AuditRecorder
	log      *zap.Logger
	opts     Options
}

func NewHandler(db *store.Client, log *zap.Logger, opts Options) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Handler{db: db, log: log, opts: opts}
}

// WithSessions enables session issuing on successful logins.
func (h *Handler) WithSessions(sessions SessionIssuer) *Handler {
	h.sessions = sessions
	return h
}

// WithAudit enables the per-request audit record.
func (h *Handler) WithAudit(audit AuditRecorder) *Handler {
	h.audit = audit
	return h
}

// Login validates the credentials and calls the login routine, retrying
// the whole acquire-query-release sequence on failure.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := chimw.GetReqID(r.Context())
	log := h.log.With(zap.String("request_id", reqID), zap.String("occurred", occurred))

	// The attempt loop is not aborted by a client disconnect; each query is
	// bounded by its own timeout instead.
	ctx := context.WithoutCancel(r.Context())

	audit := &models.LoginAttempt{
		RequestID:  reqID,
		RemoteAddr: r.RemoteAddr,
	}

	creds, err := decodeCredentials(w, r)
	if err == nil {
		err = creds.Validate()
	}
	if err != nil {
		log.Error(response.Message(response.MsgMissingCredentials), zap.Error(err))

		env := response.New(response.CodeBadRequest, response.MsgMissingCredentials)
		audit.Username = creds.Username
		audit.Outcome = models.OutcomeInvalid
		audit.Error = fmt.Errorf("%w: %w", ErrInvalidCredentials, err).Error()
		h.finish(ctx, w, log, audit, env, start)
		return
	}
	audit.Username = creds.Username

	row, attempts, err := h.authenticate(ctx, log, creds)
	audit.Attempts = attempts
	if err != nil {
		audit.Error = err.Error()
		audit.Outcome = models.OutcomeExhausted
		if !errors.Is(err, ErrRetriesExhausted) {
			audit.Outcome = models.OutcomeAborted
		}
		h.finish(ctx, w, log, audit, response.New(response.CodeServerError, response.MsgGeneric), start)
		return
	}

	env := response.New(response.CodeSuccess, response.MsgSuccess)
	if row != nil {
		env = env.WithResult(row)
		h.issueSession(ctx, w, log, row)
	}
	audit.Outcome = models.OutcomeSuccess
	h.finish(ctx, w, log, audit, env, start)
}

// authenticate runs up to MaxRetries+1 strictly sequential attempts. The
// connection of a failed attempt is released before the next one starts.
func (h *Handler) authenticate(ctx context.Context, log *zap.Logger, creds models.Credentials) (store.Row, int, error) {
	maxAttempts := h.opts.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fields := []zap.Field{zap.Int("attempt", attempt), zap.Int("max_attempts", maxAttempts)}

		row, err := h.attempt(ctx, creds)
		if err == nil {
			log.Info("login attempt succeeded", append(fields, zap.Bool("matched", row != nil))...)
			return row, attempt, nil
		}

		lastErr = err
		log.Error("login attempt failed", append(fields, zap.Error(err))...)
		if !store.Retryable(err) {
			return nil, attempt, err
		}

		if attempt < maxAttempts && h.opts.RetryBackoff > 0 {
			timer := time.NewTimer(h.opts.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}

func (h *Handler) attempt(ctx context.Context, creds models.Credentials) (store.Row, error) {
	var first store.Row
	err := h.db.WithConn(ctx, func(conn *store.Conn) error {
		rows, err := conn.Query(ctx, store.Query{
			Statement: h.opts.Statement,
			Args:      []any{creds.Username, creds.Password},
			Timeout:   h.opts.QueryTimeout,
		})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			first = rows[0]
		}
		return nil
	})
	return first, err
}

func (h *Handler) issueSession(ctx context.Context, w http.ResponseWriter, log *zap.Logger, row store.Row) {
	if h.sessions == nil {
		return
	}

	sid, err := h.sessions.Create(ctx, row)
	if err != nil {
		log.Warn("session creation failed", zap.Error(err))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(h.sessions.TTL() / time.Second),
	})
}

func (h *Handler) finish(ctx context.Context, w http.ResponseWriter, log *zap.Logger, audit *models.LoginAttempt, env response.Envelope, start time.Time) {
	audit.ResponseCode = env.ResponseCode
	audit.DurationMS = time.Since(start).Milliseconds()
	audit.CreatedAt = start

	if h.audit != nil {
		actx, cancel := context.WithTimeout(ctx, auditTimeout)
		if err := h.audit.Record(actx, audit); err != nil {
			log.Warn("audit record failed", zap.Error(err))
		}
		cancel()
	}

	response.Write(w, env)
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (models.Credentials, error) {
	var creds models.Credentials
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			return models.Credentials{}, fmt.Errorf("decode json body: %w", err)
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return creds, fmt.Errorf("parse multipart body: %w", err)
		}
		creds.Username = r.PostFormValue("username")
		creds.Password = r.PostFormValue("password")
	default:
		if err := r.ParseForm(); err != nil {
			return creds, fmt.Errorf("parse form body: %w", err)
		}
		creds.Username = r.PostForm.Get("username")
		creds.Password = r.PostForm.Get("password")
	}
	return creds, nil
}
