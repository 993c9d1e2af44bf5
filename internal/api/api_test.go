package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"seqcore/internal/auth"
	"seqcore/internal/blob"
	"seqcore/internal/core"
	"seqcore/internal/infra/persistence/memory"
	"seqcore/internal/intake"
	"seqcore/internal/notify"
	"seqcore/pkg/domain"
)

type testEnv struct {
	router   *gin.Engine
	service  *core.Service
	store    *memory.Store
	registry *notify.Registry
}

var testTokens = map[string]domain.User{
	"tok-tech":      {ID: "tech-1", Name: "Tech", Roles: []domain.Role{{Code: auth.RoleLabTech}}},
	"tok-analyst":   {ID: "analyst-1", Name: "Analyst", Roles: []domain.Role{{Code: auth.RoleAnalyst}}},
	"tok-validator": {ID: "validator-1", Name: "Validator", Roles: []domain.Role{{Code: auth.RoleValidator}}},
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore(core.DefaultRulesEngine())
	registry := notify.NewRegistry(nil)
	service := core.NewService(store, blob.NewMemory(), &core.MockRunner{},
		core.WithMetrics(core.MustNewMetrics(prometheus.NewRegistry())),
		core.WithNotifier(registry),
		core.WithObjectLocation("https://minio.local", "seqcore"))
	queue := intake.NewQueue(store, intake.DefaultDelay, nil)
	server := NewServer(service, queue, registry, auth.NewStaticVerifier(testTokens), nil)

	return &testEnv{
		router:   server.Router(nil),
		service:  service,
		store:    store,
		registry: registry,
	}
}

func (e *testEnv) seedSession(t *testing.T, labcode string) domain.LabSession {
	t.Helper()
	var session domain.LabSession
	_, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		session, err = tx.CreateLabSession(domain.LabSession{Labcode: labcode, Barcode: "BC-" + labcode})
		return err
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func (e *testEnv) seedEtl(t *testing.T, sessionID, labcode string, status domain.EtlStatus) domain.EtlResult {
	t.Helper()
	var result domain.EtlResult
	_, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		start := time.Now().UTC()
		var err error
		result, err = tx.CreateEtlResult(domain.EtlResult{
			SessionID: sessionID, Labcode: labcode, Status: status, StartTime: &start,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed etl result: %v", err)
	}
	return result
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewBuffer(raw)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/api/v1/sessions", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", rec.Code)
	}
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedSession(t, "LAB400")

	// A lab technician cannot trigger analysis.
	rec := env.do(t, http.MethodPost, "/api/v1/fastq/any/analysis", "tok-tech", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for technician analysis, got %d", rec.Code)
	}
	// A validator cannot register uploads.
	rec = env.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/fastq", "tok-validator",
		registerFastqRequest{R1Key: "a", R2Key: "b"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for validator upload, got %d", rec.Code)
	}
}

func TestFastqLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedSession(t, "LAB401")

	rec := env.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/fastq", "tok-tech",
		registerFastqRequest{R1Key: "fastq/r1.fastq.gz", R2Key: "fastq/r2.fastq.gz"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register upload: %d %s", rec.Code, rec.Body.String())
	}
	var file domain.FastqFile
	if err := json.Unmarshal(rec.Body.Bytes(), &file); err != nil {
		t.Fatalf("decode file: %v", err)
	}
	if file.Status != domain.FastqUploaded {
		t.Fatalf("expected UPLOADED, got %s", file.Status)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/fastq/"+file.ID+"/submit", "tok-tech", nil); rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/fastq/"+file.ID+"/approve", "tok-analyst", nil); rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/api/v1/fastq/"+file.ID+"/analysis", "tok-analyst", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("analysis: %d %s", rec.Code, rec.Body.String())
	}
	env.service.WaitForPipelines()

	results := env.store.ListEtlResults()
	if len(results) != 1 || results[0].Status != domain.EtlCompleted {
		t.Fatalf("expected one completed result, got %+v", results)
	}
}

func TestRejectWithoutReasonIs400(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedSession(t, "LAB402")
	result := env.seedEtl(t, session.ID, "LAB402", domain.EtlWaitForApproval)

	rec := env.do(t, http.MethodPost, "/api/v1/etl-results/"+result.ID+"/reject", "tok-validator", rejectRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty reason, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestAcceptWrongStatusIs403(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedSession(t, "LAB403")
	result := env.seedEtl(t, session.ID, "LAB403", domain.EtlProcessing)

	rec := env.do(t, http.MethodPost, "/api/v1/etl-results/"+result.ID+"/accept", "tok-validator", acceptRequest{Comment: "ok"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for accept on PROCESSING, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownResultIs404(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/etl-results/nope/download", "tok-analyst", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestQueueEndpointPersistsTask(t *testing.T) {
	env := newTestEnv(t)
	session := env.seedSession(t, "LAB404")
	result := env.seedEtl(t, session.ID, "LAB404", domain.EtlProcessing)

	rec := env.do(t, http.MethodPost, "/api/v1/etl/queue", "tok-analyst", core.ExternalEtlEvent{
		EtlResultID: result.ID,
		Labcode:     "LAB404",
		ResultURL:   "https://minio.local/seqcore/etl-results/LAB404/out.tar.gz",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("queue: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Success      bool      `json:"success"`
		TaskID       string    `json:"taskId"`
		ScheduledFor time.Time `json:"scheduledFor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.TaskID == "" {
		t.Fatalf("unexpected ack %+v", resp)
	}
	task, ok := env.store.GetScheduledTask(resp.TaskID)
	if !ok || task.Status != domain.TaskPending {
		t.Fatalf("task not persisted as PENDING: %+v", task)
	}
	if delta := time.Until(resp.ScheduledFor); delta < 4*time.Minute || delta > 6*time.Minute {
		t.Fatalf("expected ~5m deferral, got %s", delta)
	}
}

func TestListSessionsQueryParams(t *testing.T) {
	env := newTestEnv(t)
	env.seedSession(t, "LAB405")
	env.seedSession(t, "LAB406")

	rec := env.do(t, http.MethodGet, "/api/v1/sessions?q=LAB405&page=1&pageSize=10", "tok-analyst", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var page core.SessionPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].Session.Labcode != "LAB405" {
		t.Fatalf("unexpected page %+v", page)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sessions?from=not-a-date", "tok-analyst", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
}

func TestSSEStreamFlushesBufferedEvents(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Publish("analyst-1", "notification_created", map[string]any{"etlResultId": "r1"})

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/notifications/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer tok-analyst")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	sawConnected, sawEvent := false, false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: connected" {
			sawConnected = true
		}
		if line == "event: notification_created" {
			sawEvent = true
			break
		}
	}
	if !sawConnected || !sawEvent {
		t.Fatalf("stream missing frames: connected=%v event=%v", sawConnected, sawEvent)
	}
}

func TestWebsocketStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Publish("validator-1", "system_notification", "validation ready")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/notifications/ws"
	header := http.Header{"Authorization": []string{"Bearer tok-validator"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial websocket: %v (resp %+v)", err, resp)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev notify.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if ev.Event != "system_notification" || ev.Data != "validation ready" {
		t.Fatalf("unexpected frame %+v", ev)
	}
}
