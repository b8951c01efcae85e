package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"vigil/internal/audit"
	"vigil/internal/engine"
	"vigil/internal/principal/models"
	"vigil/internal/principal/store/principals"
	"vigil/internal/principal/store/verifications"
)

type nopSender struct{}

func (nopSender) Send(context.Context, string, uint32) error { return nil }

type HandlerSuite struct {
	suite.Suite
	server     *httptest.Server
	principals *principals.MemoryStore
	codes      *verifications.MemoryStore
	auditLog   *audit.Writer
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.principals = principals.NewMemory()
	s.codes = verifications.NewMemory()

	auditLog, err := audit.NewWriter(s.T().TempDir())
	s.Require().NoError(err)
	s.auditLog = auditLog

	log := slog.New(slog.DiscardHandler)
	eng := engine.New(engine.Config{
		Principals:    s.principals,
		Verifications: s.codes,
		Deadlines:     nopSender{},
		AuditLog:      auditLog,
		Logger:        log,
	})

	registry := prometheus.NewRegistry()
	router := NewRouter(NewHandler(eng, log), log, registry)
	s.server = httptest.NewServer(router)
	s.T().Cleanup(s.server.Close)
}

type envelope struct {
	Status  int             `json:"status"`
	Content json.RawMessage `json:"content"`
}

func (s *HandlerSuite) doAPI(token, messageType, body string, headers map[string]string) (*http.Response, envelope) {
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/api", strings.NewReader(body))
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Auth-Token", token)
	}
	if messageType != "" {
		req.Header.Set("Message-Type", messageType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var env envelope
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (s *HandlerSuite) postJSON(path string, body any) (*http.Response, envelope) {
	raw, err := json.Marshal(body)
	s.Require().NoError(err)

	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(raw))
	s.Require().NoError(err)
	defer resp.Body.Close()

	var env envelope
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (s *HandlerSuite) newPrincipal(email string) models.Principal {
	p, err := s.principals.Create(context.Background(), email)
	s.Require().NoError(err)
	return p
}

func (s *HandlerSuite) TestAPIMissingTokenUnauthorized() {
	resp, env := s.doAPI("", "0", "", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.Equal(http.StatusUnauthorized, env.Status)
}

func (s *HandlerSuite) TestAPIUnknownTokenUnauthorized() {
	resp, _ := s.doAPI("not-a-real-token", "0", "", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *HandlerSuite) TestAuthProbe() {
	p := s.newPrincipal("a@example.com")
	resp, env := s.doAPI(p.ID, "0", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`"Auth Successful"`, string(env.Content))
}

func (s *HandlerSuite) TestCheckInWritesAuditLine() {
	p := s.newPrincipal("a@example.com")
	body := `{"T": 0, "Td": 300, "L": ["52.5","13.4"]}`

	resp, _ := s.doAPI(p.ID, "1", body, nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	lines, err := s.auditLog.Lines(p.ID)
	s.Require().NoError(err)
	s.Require().Len(lines, 1)
	s.Contains(lines[0], "52.5")
}

func (s *HandlerSuite) TestCheckInFutureTimestampBadRequest() {
	p := s.newPrincipal("a@example.com")
	future := fmt.Sprintf(`{"T": %d}`, 1<<31)

	resp, _ := s.doAPI(p.ID, "1", future, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	lines, err := s.auditLog.Lines(p.ID)
	s.Require().NoError(err)
	s.Empty(lines)
}

func (s *HandlerSuite) TestDeclareDeceasedThenConflict() {
	p := s.newPrincipal("a@example.com")

	resp, _ := s.doAPI(p.ID, "2", `{"T": 0}`, nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	got, err := s.principals.GetByID(context.Background(), p.ID)
	s.Require().NoError(err)
	s.Equal(models.StateDeceased, got.State)

	resp, _ = s.doAPI(p.ID, "1", `{"T": 0}`, nil)
	s.Equal(http.StatusConflict, resp.StatusCode)
}

func (s *HandlerSuite) TestStatusMessage() {
	p := s.newPrincipal("a@example.com")
	resp, env := s.doAPI(p.ID, "4", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	var status models.ServerStatus
	s.Require().NoError(json.Unmarshal(env.Content, &status))
	s.Equal("a@example.com", status.Account)
	s.Equal(int64(-1), status.Maintenance)
}

func (s *HandlerSuite) TestUnknownMessageTypeNotFound() {
	p := s.newPrincipal("a@example.com")
	resp, _ := s.doAPI(p.ID, "9", "", nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *HandlerSuite) TestUserAgentEnrichesAudit() {
	p := s.newPrincipal("a@example.com")
	headers := map[string]string{
		"User-Agent": "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	}

	resp, _ := s.doAPI(p.ID, "1", `{"T": 0, "Td": 60}`, headers)
	s.Equal(http.StatusOK, resp.StatusCode)

	lines, err := s.auditLog.Lines(p.ID)
	s.Require().NoError(err)
	s.Require().Len(lines, 1)
	s.Contains(lines[0], "UA-Browser")
	s.Contains(lines[0], "UA-OS")
}

func (s *HandlerSuite) TestRegisterVerifyFlow() {
	resp, _ := s.postJSON("/register", map[string]string{"email": "a@example.com"})
	s.Equal(http.StatusAccepted, resp.StatusCode)

	// Duplicate registration while the code is live conflicts.
	resp, _ = s.postJSON("/register", map[string]string{"email": "a@example.com"})
	s.Equal(http.StatusConflict, resp.StatusCode)

	entry, err := s.codes.GetByEmail(context.Background(), "a@example.com")
	s.Require().NoError(err)
	s.Require().NotNil(entry)

	resp, env := s.postJSON("/verify", map[string]any{"email": "a@example.com", "code": entry.Code})
	s.Equal(http.StatusOK, resp.StatusCode)

	var created models.Principal
	s.Require().NoError(json.Unmarshal(env.Content, &created))
	s.Equal("a@example.com", created.Email)
	s.Len(created.ID, 64)

	// The code is single-use.
	resp, _ = s.postJSON("/verify", map[string]any{"email": "a@example.com", "code": entry.Code})
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *HandlerSuite) TestRegisterRejectsEmptyEmail() {
	resp, _ := s.postJSON("/register", map[string]string{})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerSuite) TestHealthz() {
	resp, err := http.Get(s.server.URL + "/healthz")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerSuite) TestMetricsEndpoint() {
	resp, err := http.Get(s.server.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}
