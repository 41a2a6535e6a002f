package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/livinlefevreloca/erpbridge/internal/breaker"
	"github.com/livinlefevreloca/erpbridge/internal/clock"
	"github.com/livinlefevreloca/erpbridge/internal/db"
)

const sessionCookie = "JSESSIONID"

// AccountingConfig configures the accounting/ERP system client
type AccountingConfig struct {
	HTTPConfig

	OrgCode  string `toml:"org_code"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	LoginPath string `toml:"login_path"`
	PushPath  string `toml:"push_path"`

	// Sessions are renewed this long after login, minus a two minute margin
	SessionTTL time.Duration `toml:"session_ttl"`
}

// DefaultAccountingConfig returns defaults; BaseURL and credentials must be set
func DefaultAccountingConfig() AccountingConfig {
	return AccountingConfig{
		HTTPConfig: DefaultHTTPConfig(),
		LoginPath:  "login",
		PushPath:   "records/batch",
		SessionTTL: 20 * time.Minute,
	}
}

// Validate returns an error if the client cannot be built
func (c AccountingConfig) Validate() error {
	if err := c.HTTPConfig.validate(); err != nil {
		return err
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.LoginPath == "" || c.PushPath == "" {
		return fmt.Errorf("login_path and push_path are required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive, got %v", c.SessionTTL)
	}
	return nil
}

type session struct {
	id      string
	expires time.Time
}

// Accounting talks to the accounting system. Requests run inside a login
// session; a response showing the session was lost triggers one transparent
// re-login and retry.
type Accounting struct {
	config AccountingConfig
	t      *transport
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	current session

	loginMu sync.Mutex
	logins  atomic.Int64
}

// NewAccounting creates a client guarded by brk
func NewAccounting(config AccountingConfig, brk *breaker.Breaker, clk clock.Clock, logger *slog.Logger) (*Accounting, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("accounting client: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	logger = logger.With("system", SystemAccounting)

	t, err := newTransport(SystemAccounting, config.HTTPConfig, brk, logger)
	if err != nil {
		return nil, err
	}
	return &Accounting{config: config, t: t, clock: clk, logger: logger}, nil
}

// Name returns the system name
func (a *Accounting) Name() string {
	return SystemAccounting
}

// Logins returns how many logins have succeeded
func (a *Accounting) Logins() int64 {
	return a.logins.Load()
}

// =============================================================================
// Session handling
// =============================================================================

func (a *Accounting) sessionID(ctx context.Context) (string, error) {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()

	if s.id != "" && a.clock.Now().Before(s.expires) {
		return s.id, nil
	}
	return a.login(ctx, s.id)
}

// login establishes a new session unless another caller already replaced stale
func (a *Accounting) login(ctx context.Context, stale string) (string, error) {
	a.loginMu.Lock()
	defer a.loginMu.Unlock()

	a.mu.Lock()
	cur := a.current
	a.mu.Unlock()
	if cur.id != "" && cur.id != stale && a.clock.Now().Before(cur.expires) {
		return cur.id, nil
	}

	resp, err := a.t.call(ctx, request{
		method: http.MethodPost,
		path:   a.config.LoginPath,
		body: map[string]string{
			"orgCode":      a.config.OrgCode,
			"userName":     a.config.Username,
			"userPassword": a.config.Password,
		},
	})
	if err != nil {
		if breaker.IsShortCircuit(err) || errors.Is(err, context.Canceled) {
			return "", err
		}
		return "", fmt.Errorf("%w: login failed: %w", ErrSessionLost, err)
	}

	id := sessionFromResponse(resp)
	if id == "" {
		return "", fmt.Errorf("%w: login response carried no session", ErrSessionLost)
	}

	ttl := a.config.SessionTTL
	if ttl > 4*time.Minute {
		ttl -= 2 * time.Minute
	}

	a.mu.Lock()
	a.current = session{id: id, expires: a.clock.Now().Add(ttl)}
	a.mu.Unlock()

	a.logins.Add(1)
	a.logger.Info("accounting session established")
	return id, nil
}

func (a *Accounting) invalidate(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current.id == id {
		a.current = session{}
	}
}

func sessionFromResponse(resp *response) string {
	if gjson.ValidBytes(resp.body) {
		if id, ok := stringField(gjson.ParseBytes(resp.body), sessionFields...).Get(); ok && id != "" {
			return id
		}
	}
	for _, c := range (&http.Response{Header: resp.header}).Cookies() {
		if c.Name == sessionCookie && c.Value != "" {
			return c.Value
		}
	}
	return ""
}

// authLost reports whether a response shows the session is gone: an auth
// status, the HTML login page, or a JSON session error code
func authLost(resp *response) bool {
	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		return true
	}

	body := bytes.TrimSpace(resp.body)
	if len(body) > 0 && body[0] == '<' {
		lower := strings.ToLower(string(body))
		return strings.Contains(lower, "<html") && strings.Contains(lower, "login")
	}

	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		for _, name := range errorCodeFields {
			v := root.Get(name)
			if v.Type != gjson.String {
				continue
			}
			switch strings.ToUpper(strings.TrimSpace(v.Str)) {
			case "SESSION_EXPIRED", "UNAUTHORIZED":
				return true
			}
		}
	}
	return false
}

// classify adds session and in-band rejection detection to the transport's rules
func (a *Accounting) classify(inBandRejections bool) func(*response) error {
	return func(resp *response) error {
		if authLost(resp) {
			return breaker.Permanent(errAuthLost)
		}
		if inBandRejections && resp.status >= 200 && resp.status < 300 && gjson.ValidBytes(resp.body) {
			root := gjson.ParseBytes(resp.body)
			if ok, present := boolField(root, successFields...).Get(); present && !ok {
				return breaker.Permanent(&RejectedError{System: SystemAccounting, Message: responseMessage(resp.body)})
			}
		}
		return a.t.classify(resp)
	}
}

// do runs r with the current session, re-logging in once if it was lost
func (a *Accounting) do(ctx context.Context, r request, inBandRejections bool) (*response, error) {
	r.classify = a.classify(inBandRejections)

	id, err := a.sessionID(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := a.t.call(ctx, withSession(r, id))
	if !errors.Is(err, errAuthLost) {
		return resp, err
	}

	a.logger.Info("accounting session lost, logging in again")
	id, err = a.login(ctx, id)
	if err != nil {
		return nil, err
	}

	resp, err = a.t.call(ctx, withSession(r, id))
	if errors.Is(err, errAuthLost) {
		a.invalidate(id)
		return nil, fmt.Errorf("%w: still unauthenticated after re-login", ErrSessionLost)
	}
	return resp, err
}

func withSession(r request, id string) request {
	h := make(http.Header)
	for k, vs := range r.header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Cookie", sessionCookie+"="+id)
	h.Set("X-Session-Id", id)
	r.header = h
	return r
}

// =============================================================================
// Entity operations
// =============================================================================

// ListChangedSince returns entities updated at or after since
func (a *Accounting) ListChangedSince(ctx context.Context, entityType string, since time.Time) ([]Entity, error) {
	body := map[string]any{}
	if !since.IsZero() {
		body["guncellemeTarihiBaslangic"] = since.UTC().Format("2006-01-02T15:04:05")
	}

	resp, err := a.do(ctx, request{
		method: http.MethodPost,
		path:   a.config.entityPath(entityType) + "/list",
		body:   body,
	}, true)
	if err != nil {
		return nil, fmt.Errorf("list %s changed since %s: %w", entityType, since.Format(time.RFC3339), err)
	}

	entities, err := parseEntityList(resp.body)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", entityType, err)
	}

	// Older servers ignore the date filter
	out := entities[:0]
	for _, e := range entities {
		if since.IsZero() || e.UpdatedAt.IsZero() || !e.UpdatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetByKey looks an entity up by card code. Returns ErrNotFound when absent.
func (a *Accounting) GetByKey(ctx context.Context, entityType, key string) (Entity, error) {
	resp, err := a.do(ctx, request{
		method: http.MethodPost,
		path:   a.config.entityPath(entityType) + "/get",
		body:   map[string]string{keyAlias.accounting: key},
	}, true)
	if err != nil {
		return Entity{}, fmt.Errorf("get %s %q: %w", entityType, key, err)
	}

	e, err := parseSingleEntity(resp.body)
	if err != nil {
		return Entity{}, fmt.Errorf("get %s %q: %w", entityType, key, err)
	}
	if e.Key != key {
		return Entity{}, fmt.Errorf("get %s %q: %w", entityType, key, ErrNotFound)
	}
	return e, nil
}

// Create creates an entity and returns it as stored
func (a *Accounting) Create(ctx context.Context, entityType string, e Entity) (Entity, error) {
	body := encodeFields(SystemAccounting, e.Fields)
	body[keyAlias.accounting] = e.Key

	resp, err := a.do(ctx, request{
		method: http.MethodPost,
		path:   a.config.entityPath(entityType) + "/create",
		body:   body,
	}, true)
	if err != nil {
		return Entity{}, fmt.Errorf("create %s %q: %w", entityType, e.Key, err)
	}

	created, err := parseSingleEntity(resp.body)
	if err != nil {
		a.logger.Warn("create response unreadable, using request", "entity_type", entityType, "key", e.Key, "error", err)
		return e, nil
	}
	if created.Key == "" {
		created.Key = e.Key
	}
	return created, nil
}

// Update sets the given fields of the entity identified by key
func (a *Accounting) Update(ctx context.Context, entityType, key string, fields map[string]any) error {
	body := encodeFields(SystemAccounting, fields)
	body[keyAlias.accounting] = key

	_, err := a.do(ctx, request{
		method: http.MethodPost,
		path:   a.config.entityPath(entityType) + "/update",
		body:   body,
	}, true)
	if err != nil {
		return fmt.Errorf("update %s %q: %w", entityType, key, err)
	}
	return nil
}

// =============================================================================
// Batch push
// =============================================================================

type pushRecord struct {
	ID      string `json:"id"`
	Code    string `json:"kartKodu"`
	Name    string `json:"kartAdi"`
	Payload any    `json:"payload,omitempty"`
}

// PushBatch sends records in one call. The endpoint reports only how many
// records it accepted; a 2xx response with zero accepted is not an error.
func (a *Accounting) PushBatch(ctx context.Context, records []db.LocalRecord) (PushResult, error) {
	items := make([]pushRecord, len(records))
	for i, r := range records {
		items[i] = pushRecord{ID: r.ID, Code: r.Code, Name: r.Name}
		if len(r.Payload) > 0 {
			items[i].Payload = r.Payload
		}
	}

	resp, err := a.do(ctx, request{
		method: http.MethodPost,
		path:   a.config.PushPath,
		body:   map[string]any{"records": items},
	}, false)
	if err != nil {
		return PushResult{}, fmt.Errorf("push %d records: %w", len(records), err)
	}
	return parsePushResult(resp.body, len(records)), nil
}

func parsePushResult(body []byte, sent int) PushResult {
	if !gjson.ValidBytes(body) {
		return PushResult{Message: responseMessage(body)}
	}
	root := gjson.ParseBytes(body)

	res := PushResult{Message: stringField(root, messageFields...).OrElse("")}
	if n, ok := numberField(root, acceptedFields...).Get(); ok {
		res.Accepted = int(n)
	} else if boolField(root, successFields...).OrElse(false) {
		res.Accepted = sent
	}
	if res.Accepted > sent {
		res.Accepted = sent
	}
	return res
}
