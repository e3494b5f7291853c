package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

const testFarm = "farm-1"

var (
	bossHeaders   = map[string]string{"X-Actor-Id": "boss"}
	workerHeaders = map[string]string{"X-Actor-Id": "worker"}
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(testFarm))
	if _, err := e.InitFarm(context.Background(), testFarm, "Test Farm", "boss"); err != nil {
		t.Fatalf("init farm: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %q: %v", string(data), err)
	}
	return env
}

func createBlock(t *testing.T, srv *testServer, name string) BlockResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/blocks", map[string]any{
		"name": name,
	}, bossHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create block status %d: %s", res.StatusCode, string(data))
	}
	var block BlockResponse
	if err := json.Unmarshal(data, &block); err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	return block
}

func TestBlockTransitionAndTaskFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	block := createBlock(t, srv, "North house")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/blocks/"+block.ID+"/transition", map[string]any{
		"to_state":      "planned",
		"crop":          "tomato",
		"planting_date": "2030-05-10",
	}, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var planned BlockResponse
	if err := json.Unmarshal(data, &planned); err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	if planned.State != "planned" || planned.Crop != "tomato" || planned.Version != 2 {
		t.Fatalf("planned block: %+v", planned)
	}
	if planned.ExpectedStateDates["harvesting"] == "" {
		t.Fatalf("expected dates missing: %v", planned.ExpectedStateDates)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/farms/"+testFarm+"/tasks?block_id="+block.ID, nil, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTasks
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Title != "Plant crop" || page.Items[0].Status != "pending" {
		t.Fatalf("tasks: %+v", page.Items)
	}
	taskID := page.Items[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/tasks/"+taskID+"/complete", nil, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if done.Status != "completed" || done.CompletedBy == nil || *done.CompletedBy != "worker" {
		t.Fatalf("completed task: %+v", done)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/tasks/"+taskID+"/complete", nil, bossHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second complete status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "already_completed" {
		t.Fatalf("second complete code %q", env.Error.Code)
	}
}

func TestInvalidTransitionEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	block := createBlock(t, srv, "South house")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/blocks/"+block.ID+"/transition", map[string]any{
		"to_state": "harvesting",
	}, workerHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "invalid_transition" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if env.Error.Details["from"] != "empty" || env.Error.Details["to"] != "harvesting" {
		t.Fatalf("details: %v", env.Error.Details)
	}
}

func TestCancelRequiresManager(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	block := createBlock(t, srv, "East house")
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/blocks/"+block.ID+"/transition", map[string]any{
		"to_state":      "planned",
		"crop":          "basil",
		"planting_date": "2030-06-01",
	}, workerHeaders)
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/farms/"+testFarm+"/tasks?block_id="+block.ID, nil, workerHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedTasks
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal tasks: %v", err)
	}
	taskID := page.Items[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/tasks/"+taskID+"/cancel", nil, workerHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker cancel status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("worker cancel code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/tasks/"+taskID+"/cancel", nil, bossHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("boss cancel status %d: %s", res.StatusCode, string(data))
	}
	var cancelled TaskResponse
	if err := json.Unmarshal(data, &cancelled); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if cancelled.Status != "cancelled" {
		t.Fatalf("status %q", cancelled.Status)
	}
}

func TestAlertRequiresManagerRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	block := createBlock(t, srv, "West house")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/blocks/"+block.ID+"/transition", map[string]any{
		"to_state": "alert",
		"reason":   "irrigation failure",
	}, workerHeaders)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("worker alert status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/blocks/"+block.ID+"/transition", map[string]any{
		"to_state": "alert",
		"reason":   "irrigation failure",
	}, bossHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("boss alert status %d: %s", res.StatusCode, string(data))
	}
	var alerted BlockResponse
	if err := json.Unmarshal(data, &alerted); err != nil {
		t.Fatalf("unmarshal block: %v", err)
	}
	if alerted.State != "alert" || alerted.AlertReason != "irrigation failure" {
		t.Fatalf("alerted block: %+v", alerted)
	}
}

func TestUnknownBlockNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/farms/"+testFarm+"/blocks/missing", nil, workerHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "not_found" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/farms", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("code %q", env.Error.Code)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestConcurrentModificationEnvelope(t *testing.T) {
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(testFarm))
	if _, err := e.InitFarm(context.Background(), testFarm, "Test Farm", "boss"); err != nil {
		t.Fatalf("init farm: %v", err)
	}
	block, err := e.CreateBlock(context.Background(), engine.BlockCreateOptions{
		FarmID: testFarm, Name: "Race house", ActorID: "boss",
	})
	if err != nil {
		t.Fatalf("create block: %v", err)
	}

	// Once armed, the second clock read of the request sits right before the
	// version-conditioned write; bumping the version there forces the
	// conflict path.
	var armed atomic.Bool
	calls := 0
	e.Now = func() time.Time {
		if armed.Load() {
			calls++
			if calls == 2 {
				if _, err := conn.Exec(`UPDATE blocks SET version=version+1 WHERE id=?`, block.ID); err != nil {
					t.Errorf("inject conflict: %v", err)
				}
			}
		}
		return time.Now()
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	defer func() {
		srv.Shutdown(context.Background())
		ln.Close()
	}()

	armed.Store(true)
	res, data := doJSON(t, &http.Client{}, http.MethodPost, "http://"+ln.Addr().String()+"/v0/farms/"+testFarm+"/blocks/"+block.ID+"/transition", map[string]any{
		"to_state":      "planned",
		"crop":          "tomato",
		"planting_date": "2030-05-10",
	}, workerHeaders)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "concurrent_modification" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if env.Error.Details["retryable"] != true {
		t.Fatalf("details: %v", env.Error.Details)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "worker",
		"name":     "field tablet",
	}, bossHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create apikey status %d: %s", res.StatusCode, string(data))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal apikey: %v", err)
	}
	if created.Key == "" {
		t.Fatal("raw key not returned on creation")
	}

	keyed := map[string]string{"X-Api-Key": created.Key}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/farms", nil, keyed)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list farms with api key status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/farms", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("bad api key code %q", env.Error.Code)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "worker",
		"roles":    []string{"manager"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatal("empty token")
	}

	auth := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/farms", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list farms with token status %d: %s", res.StatusCode, string(data))
	}

	// The manager role claim travels in the token, no farm role row needed.
	block := createBlock(t, srv, "Token house")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/farms/"+testFarm+"/blocks/"+block.ID+"/transition", map[string]any{
		"to_state": "alert",
		"reason":   "sensor fault",
	}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alert with token status %d: %s", res.StatusCode, string(data))
	}
}
