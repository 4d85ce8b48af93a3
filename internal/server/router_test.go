package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mrdeploy/internal/pubsub"
	"github.com/loykin/mrdeploy/internal/relay"
	"github.com/loykin/mrdeploy/internal/store"
	"github.com/loykin/mrdeploy/internal/supervisor"
)

type fixture struct {
	hub     *pubsub.Hub
	store   *store.Memory
	logPath string
	h       http.Handler
}

func setupRouter(t *testing.T, base string, opts ...Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		hub:     pubsub.NewHub(16),
		store:   store.NewMemory(),
		logPath: filepath.Join(t.TempDir(), "mr_deploy.log"),
	}
	t.Cleanup(f.hub.Close)
	f.h = NewRouter(f.hub, f.store, f.logPath, base, opts...).Handler()
	return f
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	f := setupRouter(t, "/deploy")
	rec := doReq(t, f.h, http.MethodGet, "/deploy/status")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"running":false}` {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if err := store.SetBool(context.Background(), f.store, relay.RunningKey, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	rec = doReq(t, f.h, http.MethodGet, "/deploy/status")
	if strings.TrimSpace(rec.Body.String()) != `{"running":true}` {
		t.Fatalf("status = %s", rec.Body.String())
	}
}

type fakeSup struct{ st supervisor.Status }

func (f fakeSup) Status() supervisor.Status { return f.st }

func TestStatusWithSupervisor(t *testing.T) {
	f := setupRouter(t, "", WithSupervisor(fakeSup{st: supervisor.Status{Running: true, PID: 4242, StartedAt: time.Unix(1700000000, 0)}}))
	rec := doReq(t, f.h, http.MethodGet, "/status")
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["pid"] != float64(4242) || resp["started_at"] == nil {
		t.Fatalf("status = %v", resp)
	}
}

func TestPleasePublishesCommand(t *testing.T) {
	f := setupRouter(t, "/deploy")
	sub := f.hub.Subscribe(relay.TopicCommand)
	defer sub.Close()

	rec := doReq(t, f.h, http.MethodPost, "/deploy/please/restart")
	if rec.Code != http.StatusOK {
		t.Fatalf("please = %d %s", rec.Code, rec.Body.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := sub.Next(ctx)
	if !ok || msg.Data != "restart" {
		t.Fatalf("command = %+v, %v", msg, ok)
	}

	rec = doReq(t, f.h, http.MethodPost, "/deploy/please/explode")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown command = %d", rec.Code)
	}
	rec = doReq(t, f.h, http.MethodGet, "/deploy/please/start")
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET please = %d", rec.Code)
	}
}

func TestLogTail(t *testing.T) {
	f := setupRouter(t, "/deploy")
	rec := doReq(t, f.h, http.MethodGet, "/deploy/log")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"lines":[]}` {
		t.Fatalf("empty log = %d %s", rec.Code, rec.Body.String())
	}
	if err := os.WriteFile(f.logPath, []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec = doReq(t, f.h, http.MethodGet, "/deploy/log?lines=2")
	var resp logResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if strings.Join(resp.Lines, ",") != "b,c" {
		t.Fatalf("lines = %v", resp.Lines)
	}
	for _, bad := range []string{"0", "-1", "x"} {
		if rec := doReq(t, f.h, http.MethodGet, "/deploy/log?lines="+bad); rec.Code != http.StatusBadRequest {
			t.Fatalf("lines=%s = %d", bad, rec.Code)
		}
	}
}

func TestBasicAuth(t *testing.T) {
	f := setupRouter(t, "/deploy", WithBasicAuth("ops", "s3cret"))
	if rec := doReq(t, f.h, http.MethodGet, "/deploy/status"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials = %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/deploy/status", nil)
	req.SetBasicAuth("ops", "s3cret")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with credentials = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := setupRouter(t, "/deploy", WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("mrdeploy_up 1\n"))
	})))
	rec := doReq(t, f.h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "mrdeploy_up") {
		t.Fatalf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestStream(t *testing.T) {
	f := setupRouter(t, "/deploy")
	srv := httptest.NewServer(f.h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/deploy/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.hub.Subscribers(relay.TopicOutput) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}
	pub := context.Background()
	_ = f.hub.Publish(pub, relay.TopicOutput, "Running deploy script!")
	_ = f.hub.Publish(pub, relay.TopicStatus, "false")

	br := bufio.NewReader(resp.Body)
	var got []string
	for len(got) < 6 {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v (got %q)", err, got)
		}
		// field values may or may not carry a space after the colon
		field, value, _ := strings.Cut(strings.TrimRight(line, "\n"), ":")
		got = append(got, strings.TrimSpace(field+" "+strings.TrimPrefix(value, " ")))
	}
	want := []string{
		"event mr_deploy_output", "data Running deploy script!", "",
		"event mr_deploy_status", "data false", "",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("stream = %q", got)
	}
}
