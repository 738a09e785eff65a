package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/defiant4/organization-management-service/internal/access"
	"github.com/defiant4/organization-management-service/internal/account"
	"github.com/defiant4/organization-management-service/internal/audit"
	"github.com/defiant4/organization-management-service/internal/authz"
	"github.com/defiant4/organization-management-service/internal/credential"
	"github.com/defiant4/organization-management-service/internal/org"
	"github.com/defiant4/organization-management-service/internal/ratelimit"
	"github.com/defiant4/organization-management-service/internal/stream"
	"github.com/defiant4/organization-management-service/internal/token"
)

const password = "password-123"

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	orgs    *org.Hierarchy
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	key, err := token.HMACKey("test", []byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("HMACKey: %v", err)
	}
	keys, err := token.NewKeyring(key)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	tokens, err := token.NewService(keys, token.Config{Issuer: "test"}, token.WithLogger(logger))
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	hasher, err := credential.NewHasher(credential.Params{BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	accounts := account.NewService(account.NewMemoryStore(), hasher, account.WithRevoker(tokens), account.WithLogger(logger))
	broker := stream.NewBroker(8)
	orgs := org.NewHierarchy(org.WithEventSink(broker), org.WithLogger(logger))
	facade := access.NewFacade(tokens, accounts, orgs, authz.NewEngine(orgs), access.WithLogger(logger))

	api := New(Deps{
		Access:   facade,
		Accounts: accounts,
		Orgs:     orgs,
		Events:   broker,
		Audit:    audit.New(logger, nil),
		Version:  "test",
		Logger:   logger,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t, orgs: orgs}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response, wantStatus int) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d: %s", wantStatus, resp.StatusCode, b)
	}
	if wantStatus == http.StatusNoContent {
		return v
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (c *apiClient) expectError(resp *http.Response, status int, code string) {
	c.t.Helper()
	body := decode[errorBody](c.t, resp, status)
	if body.Error.Code != code {
		c.t.Fatalf("expected error code %q, got %+v", code, body.Error)
	}
	if body.RequestID == "" {
		c.t.Fatalf("expected request_id in error body")
	}
}

func (c *apiClient) onboard(name, email string) (org.Organization, string) {
	c.t.Helper()
	res := decode[access.Onboarding](c.t, c.do(http.MethodPost, "/v1/onboard", "", onboardRequest{Name: name, Email: email, Password: password}), http.StatusCreated)
	return res.Organization, c.login(email)
}

func (c *apiClient) register(email string) account.User {
	c.t.Helper()
	return decode[account.User](c.t, c.do(http.MethodPost, "/v1/auth/register", "", credentialsRequest{Email: email, Password: password}), http.StatusCreated)
}

func (c *apiClient) login(email string) string {
	c.t.Helper()
	sess := decode[struct {
		Token     string `json:"access_token"`
		TokenType string `json:"token_type"`
	}](c.t, c.do(http.MethodPost, "/v1/auth/login", "", credentialsRequest{Email: email, Password: password}), http.StatusOK)
	if sess.Token == "" || sess.TokenType != "bearer" {
		c.t.Fatalf("unexpected session: %+v", sess)
	}
	return sess.Token
}

func TestHealthAndNotFound(t *testing.T) {
	c := newTestAPI(t)

	health := decode[map[string]any](t, c.do(http.MethodGet, "/healthz", "", nil), http.StatusOK)
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health body: %v", health)
	}
	decode[map[string]any](t, c.do(http.MethodGet, "/readyz", "", nil), http.StatusOK)
	c.expectError(c.do(http.MethodGet, "/nope", "", nil), http.StatusNotFound, "not_found")
}

func TestRequestIDPropagates(t *testing.T) {
	c := newTestAPI(t)
	req, _ := http.NewRequest(http.MethodGet, c.baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing")
	}
}

func TestOnboardAndOwnerView(t *testing.T) {
	c := newTestAPI(t)
	acme, tok := c.onboard("Acme", "owner@acme.test")

	got := decode[org.Organization](t, c.do(http.MethodGet, "/v1/organizations/"+acme.ID, tok, nil), http.StatusOK)
	if got.Name != "Acme" || !got.IsRoot() {
		t.Fatalf("unexpected organization: %+v", got)
	}
	me := decode[map[string]any](t, c.do(http.MethodGet, "/v1/organizations/"+acme.ID+"/me", tok, nil), http.StatusOK)
	if me["role"] != "owner" || me["direct_role"] != "owner" {
		t.Fatalf("unexpected me: %v", me)
	}
	byName := decode[org.Organization](t, c.do(http.MethodGet, "/v1/organizations?name=acme", tok, nil), http.StatusOK)
	if byName.ID != acme.ID {
		t.Fatalf("lookup by name returned %+v", byName)
	}
	mine := decode[struct {
		Organizations []org.Organization `json:"organizations"`
	}](t, c.do(http.MethodGet, "/v1/organizations", tok, nil), http.StatusOK)
	if len(mine.Organizations) != 1 || mine.Organizations[0].ID != acme.ID {
		t.Fatalf("unexpected membership list: %+v", mine)
	}

	c.expectError(c.do(http.MethodPost, "/v1/onboard", "", onboardRequest{Name: "ACME", Email: "other@acme.test", Password: password}), http.StatusConflict, "conflict")
}

func TestMembersAndRoleRules(t *testing.T) {
	c := newTestAPI(t)
	acme, ownerTok := c.onboard("Acme", "owner@acme.test")
	eng := decode[org.Organization](t, c.do(http.MethodPost, "/v1/organizations", ownerTok, createOrganizationRequest{Name: "Eng", ParentID: acme.ID}), http.StatusCreated)

	bob := c.register("bob@acme.test")
	carol := c.register("carol@acme.test")

	m := decode[org.Membership](t, c.do(http.MethodPut, "/v1/organizations/"+eng.ID+"/members/"+bob.ID, ownerTok, map[string]string{"role": "admin"}), http.StatusCreated)
	if m.Role != org.RoleAdmin {
		t.Fatalf("unexpected membership %+v", m)
	}
	bobTok := c.login("bob@acme.test")

	// Admin may invite at or below its own role, never above.
	decode[org.Membership](t, c.do(http.MethodPut, "/v1/organizations/"+eng.ID+"/members/"+carol.ID, bobTok, map[string]string{"role": "member"}), http.StatusCreated)
	c.expectError(c.do(http.MethodPut, "/v1/organizations/"+eng.ID+"/members/"+carol.ID, bobTok, map[string]string{"role": "owner"}), http.StatusForbidden, "privilege_escalation")

	// Inherited: the owner of Acme sees Eng members.
	list := decode[struct {
		Members []org.Membership `json:"members"`
	}](t, c.do(http.MethodGet, "/v1/organizations/"+eng.ID+"/members", ownerTok, nil), http.StatusOK)
	if len(list.Members) != 2 {
		t.Fatalf("expected 2 members, got %+v", list.Members)
	}

	// Admin may not archive; Owner may.
	c.expectError(c.do(http.MethodPost, "/v1/organizations/"+eng.ID+"/archive", bobTok, nil), http.StatusForbidden, "forbidden")
	archived := decode[org.Organization](t, c.do(http.MethodPost, "/v1/organizations/"+eng.ID+"/archive", ownerTok, nil), http.StatusOK)
	if !archived.Archived() {
		t.Fatalf("expected archived organization")
	}
	// Archived scope is read-only.
	c.expectError(c.do(http.MethodDelete, "/v1/organizations/"+eng.ID+"/members/"+carol.ID, ownerTok, nil), http.StatusForbidden, "forbidden")
	decode[org.Organization](t, c.do(http.MethodGet, "/v1/organizations/"+eng.ID, bobTok, nil), http.StatusOK)

	c.expectError(c.do(http.MethodPut, "/v1/organizations/"+eng.ID+"/members/"+carol.ID, ownerTok, map[string]string{"role": "none"}), http.StatusBadRequest, "invalid_input")
}

func TestMoveRejectsCycle(t *testing.T) {
	c := newTestAPI(t)
	acme, tok := c.onboard("Acme", "owner@acme.test")
	eng := decode[org.Organization](t, c.do(http.MethodPost, "/v1/organizations", tok, createOrganizationRequest{Name: "Eng", ParentID: acme.ID}), http.StatusCreated)
	team := decode[org.Organization](t, c.do(http.MethodPost, "/v1/organizations", tok, createOrganizationRequest{Name: "Team", ParentID: eng.ID}), http.StatusCreated)

	c.expectError(c.do(http.MethodPost, "/v1/organizations/"+acme.ID+"/move", tok, moveRequest{ParentID: team.ID}), http.StatusConflict, "cycle_detected")

	moved := decode[org.Organization](t, c.do(http.MethodPost, "/v1/organizations/"+team.ID+"/move", tok, moveRequest{ParentID: acme.ID}), http.StatusOK)
	if moved.ParentID != acme.ID {
		t.Fatalf("unexpected parent %q", moved.ParentID)
	}
	chain := decode[struct {
		Ancestors []org.Organization `json:"ancestors"`
	}](t, c.do(http.MethodGet, "/v1/organizations/"+team.ID+"/ancestors", tok, nil), http.StatusOK)
	if len(chain.Ancestors) == 0 {
		t.Fatalf("expected ancestors for %s", team.ID)
	}
	kids := decode[struct {
		Children []org.Organization `json:"children"`
	}](t, c.do(http.MethodGet, "/v1/organizations/"+acme.ID+"/children", tok, nil), http.StatusOK)
	if len(kids.Children) != 2 {
		t.Fatalf("expected two children, got %+v", kids.Children)
	}
}

func TestLastOwnerCannotLeave(t *testing.T) {
	c := newTestAPI(t)
	acme, tok := c.onboard("Acme", "owner@acme.test")
	me := decode[map[string]any](t, c.do(http.MethodGet, "/v1/organizations/"+acme.ID+"/me", tok, nil), http.StatusOK)
	userID, _ := me["user_id"].(string)

	c.expectError(c.do(http.MethodDelete, "/v1/organizations/"+acme.ID+"/members/"+userID, tok, nil), http.StatusConflict, "last_owner")
}

func TestAuthenticationFailures(t *testing.T) {
	c := newTestAPI(t)
	acme, tok := c.onboard("Acme", "owner@acme.test")

	c.expectError(c.do(http.MethodGet, "/v1/organizations/"+acme.ID, "", nil), http.StatusUnauthorized, "unauthenticated")
	c.expectError(c.do(http.MethodGet, "/v1/organizations/"+acme.ID, tok+"x", nil), http.StatusUnauthorized, "unauthenticated")
	c.expectError(c.do(http.MethodPost, "/v1/auth/login", "", credentialsRequest{Email: "owner@acme.test", Password: "wrong-password"}), http.StatusUnauthorized, "invalid_credentials")
	c.expectError(c.do(http.MethodPost, "/v1/auth/login", "", credentialsRequest{Email: "ghost@acme.test", Password: password}), http.StatusUnauthorized, "invalid_credentials")

	c.register("stranger@acme.test")
	strangerTok := c.login("stranger@acme.test")
	c.expectError(c.do(http.MethodGet, "/v1/organizations/"+acme.ID, strangerTok, nil), http.StatusForbidden, "forbidden")
	c.expectError(c.do(http.MethodGet, "/v1/organizations/missing", tok, nil), http.StatusNotFound, "organization_not_found")

	decode[struct{}](t, c.do(http.MethodPost, "/v1/auth/logout", tok, nil), http.StatusNoContent)
	c.expectError(c.do(http.MethodGet, "/v1/organizations/"+acme.ID, tok, nil), http.StatusUnauthorized, "unauthenticated")
}

func TestChangePasswordRevokesTokens(t *testing.T) {
	c := newTestAPI(t)
	acme, tok := c.onboard("Acme", "owner@acme.test")

	c.expectError(c.do(http.MethodPost, "/v1/auth/password", tok, changePasswordRequest{CurrentPassword: "nope-nope", NewPassword: "another-pass"}), http.StatusUnauthorized, "invalid_credentials")
	decode[struct{}](t, c.do(http.MethodPost, "/v1/auth/password", tok, changePasswordRequest{CurrentPassword: password, NewPassword: "another-pass"}), http.StatusNoContent)
	c.expectError(c.do(http.MethodGet, "/v1/organizations/"+acme.ID, tok, nil), http.StatusUnauthorized, "unauthenticated")
}

func TestRejectsUnknownFields(t *testing.T) {
	c := newTestAPI(t)
	c.expectError(c.do(http.MethodPost, "/v1/auth/register", "", map[string]string{"email": "a@b.test", "password": password, "admin": "yes"}), http.StatusBadRequest, "invalid_json")
}

func TestRateLimitExceeded(t *testing.T) {
	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequestID(RateLimit(ratelimit.New(1, 1, time.Minute, nil))(base))

	req := httptest.NewRequest(http.MethodGet, "/limited", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(context.Background()))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first call 200, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(context.Background()))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr2.Code)
	}
	if rr2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	var body errorBody
	if err := json.Unmarshal(rr2.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode rate limit body: %v", err)
	}
	if body.Error.Code != "rate_limited" || body.RequestID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	other := req.Clone(context.Background())
	other.RemoteAddr = "10.0.0.2:1234"
	rr3 := httptest.NewRecorder()
	handler.ServeHTTP(rr3, other)
	if rr3.Code != http.StatusOK {
		t.Fatalf("other clients must not share the bucket, got %d", rr3.Code)
	}
}

func TestLoggingEmitsStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := RequestID(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("ok"))
	})))

	req := httptest.NewRequest(http.MethodGet, "/log-test", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	for _, key := range []string{"time", "level", "msg", "request_id", "method", "path", "status", "duration_ms"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in log entry", key)
		}
	}
	if entry["msg"] != "request_complete" || entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestEventStream(t *testing.T) {
	c := newTestAPI(t)
	acme, tok := c.onboard("Acme", "owner@acme.test")
	other, _ := c.onboard("Other", "owner@other.test")
	eng := decode[org.Organization](t, c.do(http.MethodPost, "/v1/organizations", tok, createOrganizationRequest{Name: "Eng", ParentID: acme.ID}), http.StatusCreated)
	dave := c.register("dave@acme.test")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/organizations/"+acme.ID+"/events", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || !strings.HasPrefix(lines.Text(), ": stream started") {
		t.Fatalf("expected stream preamble, got %q", lines.Text())
	}

	// Changes outside the subscribed subtree are filtered out.
	if _, err := c.orgs.CreateOrganization(context.Background(), "Elsewhere", other.ID); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}
	decode[org.Membership](t, c.do(http.MethodPut, "/v1/organizations/"+eng.ID+"/members/"+dave.ID, tok, map[string]string{"role": "viewer"}), http.StatusCreated)

	var event string
	var data org.Event
	for lines.Scan() {
		line := lines.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				t.Fatalf("decode event: %v", err)
			}
		}
		if data.ID != "" {
			break
		}
	}
	if event != string(org.EventMemberAdded) || data.OrganizationID != eng.ID || data.UserID != dave.ID {
		t.Fatalf("unexpected event %q: %+v", event, data)
	}
}
