package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agoranews/agora-live/internal/apperror"
	"github.com/agoranews/agora-live/internal/auth"
	"github.com/agoranews/agora-live/internal/notify"
	"github.com/agoranews/agora-live/internal/protocol"
)

const testSecret = "s3cret"

type stubAuthenticator struct{}

func (stubAuthenticator) Authenticate(r *http.Request) (auth.Identity, error) {
	if r.Header.Get("Authorization") == "Bearer good" {
		return auth.Identity{UserID: 42, DisplayName: "alice"}, nil
	}
	return auth.Identity{}, auth.ErrMissingToken
}

type stubQueue struct {
	jobs []notify.Job
	err  error
}

func (q *stubQueue) Enqueue(job notify.Job) error {
	if q.err != nil {
		return q.err
	}
	if job.UserID < 0 {
		return apperror.Validation("user_id must be positive")
	}
	if !notify.ValidType(job.Type) {
		return apperror.Validation("unknown notification type")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type stubTopics struct {
	voteErr  error
	votes    []string
	viewUser int64
	viewIP   string
	counted  bool
}

func (s *stubTopics) CastVote(ctx context.Context, topicID, userID int64, side string) error {
	if s.voteErr != nil {
		return s.voteErr
	}
	s.votes = append(s.votes, side)
	return nil
}

func (s *stubTopics) RecordView(ctx context.Context, topicID, userID int64, clientIP string) (bool, error) {
	s.viewUser, s.viewIP = userID, clientIP
	return s.counted, nil
}

type stubHistory struct {
	limit, offset int
}

func (s *stubHistory) History(ctx context.Context, topicID int64, limit, offset int) ([]protocol.MessageView, error) {
	s.limit, s.offset = limit, offset
	return []protocol.MessageView{{ID: 1, TopicID: topicID, Content: "hello"}}, nil
}

type fixture struct {
	handler http.Handler
	queue   *stubQueue
	topics  *stubTopics
	history *stubHistory
}

func newFixture(t *testing.T, checks map[string]func(context.Context) error) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{queue: &stubQueue{}, topics: &stubTopics{}, history: &stubHistory{}}
	h, err := NewHTTPHandler(Dependencies{
		WebSocket:      func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) },
		Authenticator:  stubAuthenticator{},
		Trigger:        f.queue,
		Topics:         f.topics,
		History:        f.history,
		InternalSecret: testSecret,
		HealthChecks:   checks,
		Connections:    func() int { return 3 },
		Uptime:         func() time.Duration { return 90 * time.Minute },
	})
	if err != nil {
		t.Fatalf("NewHTTPHandler: %v", err)
	}
	f.handler = h
	return f
}

func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingWebSocket) {
		t.Fatalf("expected errMissingWebSocket, got %v", err)
	}
}

func TestSendNotification(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		body   string
		want   int
	}{
		{"missing secret", "", `{"notification_type":"ADMIN_NOTICE","data":{"message":"hi"}}`, http.StatusForbidden},
		{"wrong secret", "nope", `{"notification_type":"ADMIN_NOTICE","data":{"message":"hi"}}`, http.StatusForbidden},
		{"bad body", testSecret, `{`, http.StatusBadRequest},
		{"missing type", testSecret, `{"data":{}}`, http.StatusBadRequest},
		{"unknown type", testSecret, `{"notification_type":"NOPE","data":{}}`, http.StatusBadRequest},
		{"accepted", testSecret, `{"notification_type":"ADMIN_NOTICE","data":{"message":"hi"}}`, http.StatusAccepted},
		{"negative user", testSecret, `{"notification_type":"ADMIN_NOTICE","user_id":-3,"data":{"message":"hi"}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do(http.MethodPost, "/api/internal/send-notification", tt.body, map[string]string{internalSecretHeader: tt.secret})
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusAccepted && (len(f.queue.jobs) != 1 || f.queue.jobs[0].Data.String("message") != "hi") {
				t.Errorf("unexpected queued jobs %+v", f.queue.jobs)
			}
			if tt.want != http.StatusAccepted && len(f.queue.jobs) != 0 {
				t.Errorf("rejected request queued a job")
			}
		})
	}
}

func TestSendNotificationToOneUser(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/api/internal/send-notification",
		`{"notification_type":"ADMIN_NOTICE","user_id":12,"data":{"message":"hi"}}`,
		map[string]string{internalSecretHeader: testSecret})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].UserID != 12 {
		t.Errorf("unexpected queued jobs %+v", f.queue.jobs)
	}
}

func TestSendNotificationQueueFull(t *testing.T) {
	f := newFixture(t, nil)
	f.queue.err = notify.ErrQueueFull
	rec := f.do(http.MethodPost, "/api/internal/send-notification", `{"notification_type":"ADMIN_NOTICE","data":{"message":"hi"}}`, map[string]string{internalSecretHeader: testSecret})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStanceVote(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/topics/7/stance-vote", `{"side":"LEFT"}`, nil)
	if rec.Code != http.StatusUnauthorized || decode(t, rec)["code"] != string(apperror.CodeUnauthenticated) {
		t.Fatalf("expected 401 UNAUTHENTICATED, got %d %s", rec.Code, rec.Body.String())
	}

	bearer := map[string]string{"Authorization": "Bearer good"}
	rec = f.do(http.MethodPost, "/api/topics/7/stance-vote", `{"side":"LEFT"}`, bearer)
	if rec.Code != http.StatusOK || len(f.topics.votes) != 1 {
		t.Fatalf("expected vote, got %d %s", rec.Code, rec.Body.String())
	}

	f.topics.voteErr = apperror.Conflict("already voted")
	rec = f.do(http.MethodPost, "/api/topics/7/stance-vote", `{"side":"LEFT"}`, bearer)
	if rec.Code != http.StatusConflict || decode(t, rec)["message"] != "already voted" {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodPost, "/api/topics/abc/stance-vote", `{"side":"LEFT"}`, bearer)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad topic id, got %d", rec.Code)
	}
}

func TestRecordView(t *testing.T) {
	f := newFixture(t, nil)
	f.topics.counted = true

	rec := f.do(http.MethodPost, "/api/topics/7/view", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["counted"] != true {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
	if f.topics.viewUser != 0 || f.topics.viewIP == "" {
		t.Errorf("expected anonymous view keyed by IP, got user=%d ip=%q", f.topics.viewUser, f.topics.viewIP)
	}

	f.do(http.MethodPost, "/api/topics/7/view", "", map[string]string{"Authorization": "Bearer good"})
	if f.topics.viewUser != 42 {
		t.Errorf("expected signed-in view for user 42, got %d", f.topics.viewUser)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/topics/42/messages?limit=20&offset=40", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if f.history.limit != 20 || f.history.offset != 40 {
		t.Errorf("unexpected paging %d/%d", f.history.limit, f.history.offset)
	}
	msgs := decode(t, rec)["messages"].([]interface{})
	if len(msgs) != 1 || msgs[0].(map[string]interface{})["message"] != "hello" {
		t.Errorf("unexpected messages %v", msgs)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
	})
	rec := f.do(http.MethodGet, "/health", "", nil)
	body := decode(t, rec)
	if rec.Code != http.StatusOK || body["status"] != "ok" || body["connections"] != float64(3) {
		t.Fatalf("unexpected health %d %v", rec.Code, body)
	}
	if body["uptime"] != "1h30m0s" {
		t.Errorf("uptime = %v, want 1h30m0s", body["uptime"])
	}

	f = newFixture(t, map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("down") },
	})
	rec = f.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable || decode(t, rec)["status"] != "degraded" {
		t.Fatalf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketRouteAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(http.MethodGet, "/ws", "", nil); rec.Code != http.StatusTeapot {
		t.Errorf("expected websocket handler to serve /ws, got %d", rec.Code)
	}
	rec := f.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "agora_connections_total") {
		t.Errorf("expected metrics exposition, got %d", rec.Code)
	}
}
