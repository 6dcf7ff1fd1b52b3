package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fx-rate-pipeline/internal/rates"
)

func sampleNotification() Notification {
	return Notification{
		CycleID:   "c-1",
		At:        time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
		Base:      "USD",
		Threshold: 0.1,
		Anomalies: []rates.Anomaly{
			{Currency: "EUR", OldRate: 0.8, NewRate: 0.92, ChangePercent: 15},
			{Currency: "JPY", OldRate: 150, NewRate: 120, ChangePercent: 20},
		},
		Providers: "Aggregated from: a, b",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["text"] == "" {
		t.Fatalf("text 应非空")
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessage(t *testing.T) {
	text := RenderMessage(sampleNotification())
	for _, want := range []string{"Threshold: 10.00%", "EUR: 0.800000 -> 0.920000 (+15.00%)", "JPY: 150.000000 -> 120.000000 (-20.00%)", "Aggregated from: a, b"} {
		if !strings.Contains(text, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, text)
		}
	}
}

type recordingNotifier struct {
	calls int
	err   error
}

func (r *recordingNotifier) Notify(context.Context, Notification) error {
	r.calls++
	return r.err
}

func TestDispatcherCooldownAndErrors(t *testing.T) {
	failing := &recordingNotifier{err: errors.New("down")}
	ok := &recordingNotifier{}
	d := NewDispatcher([]Notifier{failing, ok}, time.Hour, testLogger())

	note := sampleNotification()
	if err := d.Notify(context.Background(), note); err == nil {
		t.Fatal("某个通道失败时应返回错误")
	}
	if ok.calls != 1 {
		t.Fatal("一个通道失败不应阻止其他通道")
	}

	note.At = note.At.Add(10 * time.Minute)
	_ = d.Notify(context.Background(), note)
	if ok.calls != 1 {
		t.Fatal("冷却期内相同币种组合不应重复告警")
	}

	note.At = note.At.Add(2 * time.Hour)
	_ = d.Notify(context.Background(), note)
	if ok.calls != 2 {
		t.Fatal("冷却期结束后应再次告警")
	}

	if err := d.Notify(context.Background(), Notification{}); err != nil || ok.calls != 2 {
		t.Fatal("没有异常时不应发送")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
