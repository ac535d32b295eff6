package controllers_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"credential-broker/admission"
	"credential-broker/config"
	"credential-broker/controllers"
	"credential-broker/database"
	"credential-broker/lease"
	"credential-broker/logging"
	"credential-broker/middlewares"
	"credential-broker/models"
	"credential-broker/routes"
	"credential-broker/stats"

	"github.com/gofiber/fiber/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testServer struct {
	app    *fiber.App
	repo   *database.MemoryRepository
	engine *admission.Engine
	stats  *stats.MemoryStore
}

func newTestServer(t *testing.T, authCfg config.Auth) *testServer {
	t.Helper()
	logger := logging.NewTestLogger()
	repo := database.NewMemoryRepository()
	st := stats.NewMemoryStore()
	engine := admission.NewEngine(repo, admission.DefaultConfig(), admission.WithStats(st))
	gateway := lease.NewGateway(repo, lease.WithStats(st))
	auth := middlewares.NewAuth(authCfg)

	app := fiber.New(fiber.Config{ErrorHandler: middlewares.ErrorHandler(logger)})
	routes.Register(app, controllers.New(repo, gateway, st, auth, admission.NewProgress()), auth, nil)
	return &testServer{app: app, repo: repo, engine: engine, stats: st}
}

func (s *testServer) do(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (s *testServer) get(t *testing.T, path string) (int, []byte) {
	return s.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (s *testServer) sendJSON(t *testing.T, method, path, body string) (int, []byte) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(t, req)
}

func (s *testServer) cycle(t *testing.T) {
	_, err := s.engine.RunCycle(context.Background(), nil)
	require.NoError(t, err)
}

func (s *testServer) credential(t *testing.T, key string, maxCheckouts, throttle int) models.Credential {
	c := models.Credential{Key: key, Username: "user-" + key, Password: "pw-" + key, MaxCheckouts: maxCheckouts, ThrottleSeconds: throttle}
	require.NoError(t, s.repo.InsertCredential(context.Background(), &c))
	return c
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestCreateCredential(t *testing.T) {
	s := newTestServer(t, config.Auth{})

	code, body := s.sendJSON(t, http.MethodPost, "/credential/add",
		`{"key":" svc ","username":"bob","password":"pw","max_checkouts":2,"throttle_seconds":5}`)
	require.Equal(t, fiber.StatusCreated, code, string(body))

	view := decode[models.CredentialView](t, body)
	assert.True(t, models.ValidID(view.Id))
	assert.Equal(t, "svc", view.Key)
	assert.Equal(t, 2, view.MaxCheckouts)
	assert.Equal(t, 5, view.ThrottleSeconds)
	assert.Zero(t, view.Pending)

	stored, err := s.repo.FindCredential(context.Background(), view.Id)
	require.NoError(t, err)
	assert.Equal(t, "bob", stored.Username)
}

func TestCreateCredential_Validation(t *testing.T) {
	s := newTestServer(t, config.Auth{})

	tests := map[string]string{
		"missing key":    `{"username":"bob"}`,
		"blank key":      `{"key":"   "}`,
		"negative count": `{"key":"svc","max_checkouts":-1}`,
		"negative delay": `{"key":"svc","throttle_seconds":-3}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			code, _ := s.sendJSON(t, http.MethodPost, "/credential/add", body)
			assert.Equal(t, fiber.StatusUnprocessableEntity, code)
		})
	}

	code, _ := s.sendJSON(t, http.MethodPost, "/credential/add", `{"key":`)
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestGetCredential_View(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	ctx := context.Background()
	cred := s.credential(t, "svc", 1, 0)

	// One holder and one request waiting behind it.
	code, _ := s.get(t, "/credential/request/svc")
	require.Equal(t, fiber.StatusOK, code)
	code, _ = s.get(t, "/credential/request/svc")
	require.Equal(t, fiber.StatusOK, code)
	s.cycle(t)

	code, body := s.get(t, "/credential/"+cred.Id)
	require.Equal(t, fiber.StatusOK, code, string(body))
	view := decode[models.CredentialView](t, body)
	assert.EqualValues(t, 2, view.Pending) // Given-Out + Queuing
	assert.EqualValues(t, 1, view.InUse)
	require.NotNil(t, view.LastCheckout)
	require.NotNil(t, view.Statistics)
	assert.Zero(t, view.Statistics.Completed)

	held, err := s.repo.FindRequests(ctx, database.RequestQuery{Statuses: []models.Status{models.StatusGivenOut}})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, cred.Id, *held[0].CredentialId)

	code, _ = s.get(t, "/credential/"+uuid.NewString())
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestUpdateCredential_Partial(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	cred := s.credential(t, "svc", 1, 10)

	code, body := s.sendJSON(t, http.MethodPut, "/credential/"+cred.Id, `{"max_checkouts":3,"password":" new "}`)
	require.Equal(t, fiber.StatusOK, code, string(body))

	got, err := s.repo.FindCredential(context.Background(), cred.Id)
	require.NoError(t, err)
	want := cred
	want.MaxCheckouts = 3
	want.Password = "new"
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("credential mismatch (-want +got):\n%s", diff)
	}

	code, _ = s.sendJSON(t, http.MethodPut, "/credential/"+cred.Id, `{"key":"  "}`)
	assert.Equal(t, fiber.StatusUnprocessableEntity, code)

	code, _ = s.sendJSON(t, http.MethodPut, "/credential/"+uuid.NewString(), `{"max_checkouts":1}`)
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestDeleteCredential(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	cred := s.credential(t, "svc", 1, 0)

	code, _ := s.do(t, httptest.NewRequest(http.MethodDelete, "/credential/"+cred.Id, nil))
	assert.Equal(t, fiber.StatusNoContent, code)

	code, _ = s.do(t, httptest.NewRequest(http.MethodDelete, "/credential/"+cred.Id, nil))
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestListCredentials(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	a1 := s.credential(t, "a", 1, 0)
	b1 := s.credential(t, "b", 1, 0)
	b2 := s.credential(t, "b", 2, 0)

	ids := func(body []byte) []string {
		var out []string
		for _, v := range decode[[]models.CredentialView](t, body) {
			out = append(out, v.Id)
		}
		return out
	}

	code, body := s.get(t, "/credential/list")
	require.Equal(t, fiber.StatusOK, code)
	if diff := cmp.Diff([]string{a1.Id, b1.Id, b2.Id}, ids(body)); diff != "" {
		t.Errorf("default order (-want +got):\n%s", diff)
	}

	code, body = s.get(t, "/credential/list?key=b&sort_by=-max_checkouts")
	require.Equal(t, fiber.StatusOK, code)
	if diff := cmp.Diff([]string{b2.Id, b1.Id}, ids(body)); diff != "" {
		t.Errorf("filtered order (-want +got):\n%s", diff)
	}

	code, _ = s.get(t, "/credential/list?sort_by=password")
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestLeaseFlow(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	s.credential(t, "svc", 1, 0)

	code, body := s.get(t, "/credential/request/svc?priority=3")
	require.Equal(t, fiber.StatusOK, code, string(body))
	snap := decode[lease.Snapshot](t, body)
	assert.Equal(t, models.StatusSubmitted, snap.Status)
	assert.Empty(t, snap.Password)

	r, err := s.repo.FindRequest(context.Background(), snap.Ticket)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Priority)
	assert.Contains(t, r.Client, " :: ")
	assert.Contains(t, r.Client, "/credential/request/svc")

	s.cycle(t)

	code, body = s.get(t, "/credential/status/"+snap.Ticket)
	require.Equal(t, fiber.StatusOK, code)
	picked := decode[lease.Snapshot](t, body)
	assert.Equal(t, models.StatusInUse, picked.Status)
	assert.Equal(t, "user-svc", picked.Username)
	assert.Equal(t, "pw-svc", picked.Password)
	require.NotNil(t, picked.Checkout)

	code, body = s.get(t, "/credential/release/"+snap.Ticket)
	require.Equal(t, fiber.StatusOK, code)
	released := decode[lease.Snapshot](t, body)
	assert.Equal(t, models.StatusReturned, released.Status)
	assert.Empty(t, released.Password)

	s.cycle(t)
	code, body = s.get(t, "/credential/status/"+snap.Ticket)
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, models.StatusCompleted, decode[lease.Snapshot](t, body).Status)

	code, body = s.get(t, "/credential/events")
	require.Equal(t, fiber.StatusOK, code)
	totals := decode[map[string]int64](t, body)
	assert.EqualValues(t, 1, totals["submitted"])
	assert.EqualValues(t, 1, totals["completed"])
}

func TestStatusPoll_TimesOutWhileQueuing(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	s.credential(t, "svc", 1, 0)

	_, body := s.get(t, "/credential/request/svc")
	first := decode[lease.Snapshot](t, body)
	_, body = s.get(t, "/credential/request/svc")
	second := decode[lease.Snapshot](t, body)
	s.cycle(t)

	start := time.Now()
	code, body := s.get(t, "/credential/status/"+second.Ticket+"?poll=yes&poll_interval=1&poll_timeout=1")
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, models.StatusQueuing, decode[lease.Snapshot](t, body).Status)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)

	// Without poll the first request is picked up straight away.
	code, body = s.get(t, "/credential/status/"+first.Ticket+"?poll=no")
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, models.StatusInUse, decode[lease.Snapshot](t, body).Status)
}

func TestTicketErrors(t *testing.T) {
	s := newTestServer(t, config.Auth{})

	code, _ := s.get(t, "/credential/status/not-a-ticket")
	assert.Equal(t, fiber.StatusBadRequest, code)

	code, _ = s.get(t, "/credential/release/"+uuid.NewString())
	assert.Equal(t, fiber.StatusNotFound, code)

	code, _ = s.get(t, "/credential/request/svc?priority=high")
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestListRequests(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	s.credential(t, "svc", 1, 0)

	var tickets []string
	for _, p := range []string{"1", "5", "5"} {
		_, body := s.get(t, "/credential/request/svc?priority="+p)
		tickets = append(tickets, decode[lease.Snapshot](t, body).Ticket)
	}
	_, body := s.get(t, "/credential/request/missing")
	noKey := decode[lease.Snapshot](t, body).Ticket
	s.cycle(t)

	ids := func(body []byte) []string {
		var out []string
		for _, r := range decode[[]models.Request](t, body) {
			out = append(out, r.Id)
		}
		return out
	}

	code, body := s.get(t, "/credential/request/list?pending")
	require.Equal(t, fiber.StatusOK, code)
	// tickets[1] was assigned; the rest wait in queue order.
	if diff := cmp.Diff([]string{tickets[1], tickets[2], tickets[0]}, ids(body)); diff != "" {
		t.Errorf("pending requests (-want +got):\n%s", diff)
	}

	code, body = s.get(t, "/credential/request/list")
	require.Equal(t, fiber.StatusOK, code)
	assert.Contains(t, ids(body), noKey)
	assert.Len(t, ids(body), 4)
}

func TestCredentialStatisticsRoute(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	cred := s.credential(t, "svc", 0, 0)

	code, body := s.get(t, "/credential/"+cred.Id+"/statistics")
	require.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, models.Statistics{}, decode[models.Statistics](t, body))

	code, _ = s.get(t, "/credential/"+uuid.NewString()+"/statistics")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, config.Auth{})

	code, body := s.get(t, "/healthz")
	require.Equal(t, fiber.StatusOK, code)
	got := decode[map[string]any](t, body)
	assert.Equal(t, "ok", got["status"])
	assert.Contains(t, got, "admission")
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)
	s := newTestServer(t, config.Auth{Username: "admin", PasswordHash: string(hash), JWTSecret: "test-secret"})

	basic := func(user, pass string) string {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	code, _ := s.get(t, "/credential/list")
	assert.Equal(t, fiber.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/credential/list", nil)
	req.Header.Set("Authorization", basic("admin", "wrong"))
	code, _ = s.do(t, req)
	assert.Equal(t, fiber.StatusUnauthorized, code)

	req = httptest.NewRequest(http.MethodGet, "/credential/list", nil)
	req.Header.Set("Authorization", basic("admin", "hunter2"))
	code, _ = s.do(t, req)
	assert.Equal(t, fiber.StatusOK, code)

	req = httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.Header.Set("Authorization", basic("admin", "hunter2"))
	code, body := s.do(t, req)
	require.Equal(t, fiber.StatusOK, code, string(body))
	token := decode[map[string]any](t, body)["token"].(string)
	require.NotEmpty(t, token)

	req = httptest.NewRequest(http.MethodGet, "/credential/list", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	code, _ = s.do(t, req)
	assert.Equal(t, fiber.StatusOK, code)

	code, _ = s.sendJSON(t, http.MethodPost, "/auth/token", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, fiber.StatusUnauthorized, code)

	code, _ = s.sendJSON(t, http.MethodPost, "/auth/token", `{"username":"admin","password":"hunter2"}`)
	assert.Equal(t, fiber.StatusOK, code)

	// Health stays public.
	code, _ = s.get(t, "/healthz")
	assert.Equal(t, fiber.StatusOK, code)
}

func TestTokenDisabledWithoutUser(t *testing.T) {
	s := newTestServer(t, config.Auth{})
	code, _ := s.sendJSON(t, http.MethodPost, "/auth/token", `{"username":"admin","password":"x"}`)
	assert.Equal(t, fiber.StatusNotFound, code)
}
