package messaging

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agoranews/agora-live/internal/notify"
)

func TestEncodeDecodeJob(t *testing.T) {
	job := notify.Job{Type: notify.TypeNewTopic, Data: notify.Data{"id": 42, "title": "Tax reform"}}
	data, err := EncodeJob(job)
	if err != nil {
		t.Fatalf("EncodeJob: %v", err)
	}

	got, err := DecodeJob(data)
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if got.Type != notify.TypeNewTopic {
		t.Errorf("unexpected type %q", got.Type)
	}
	if id, ok := got.Data.Int("id"); !ok || id != 42 {
		t.Errorf("expected id 42, got %d (%v)", id, ok)
	}
}

func TestDecodeJobCarriesUser(t *testing.T) {
	got, err := DecodeJob([]byte(`{"notification_type":"ADMIN_NOTICE","user_id":5,"data":{"message":"hi"}}`))
	if err != nil {
		t.Fatalf("DecodeJob: %v", err)
	}
	if got.UserID != 5 {
		t.Errorf("expected user 5, got %d", got.UserID)
	}
}

func TestDecodeJobRejects(t *testing.T) {
	for name, payload := range map[string]string{
		"garbage":      "not json",
		"missing type": `{"data":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeJob([]byte(payload)); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := EncodeJob(notify.Job{}); err == nil {
		t.Error("expected EncodeJob to reject an empty type")
	}
}

func TestPublishSubscribeNotifications(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer client.Close()

	got := make(chan notify.Job, 1)
	if err := client.SubscribeNotifications(func(job notify.Job) { got <- job }); err != nil {
		t.Fatalf("SubscribeNotifications: %v", err)
	}
	if err := client.PublishNotification(notify.Job{Type: notify.TypeAdminNotice, Data: notify.Data{"message": "hi"}}); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}

	select {
	case job := <-got:
		if job.Type != notify.TypeAdminNotice || job.Data.String("message") != "hi" {
			t.Errorf("unexpected job %+v", job)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no job received")
	}
}
