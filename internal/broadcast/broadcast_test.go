package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 websocket 失败: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取消息失败: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("解析消息失败: %v", err)
	}
	return env
}

func waitClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("客户端数量应为 %d, 实际 %d", want, hub.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubSendsInitialStateThenUpdates(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	ctx := context.Background()
	if err := hub.Publish(ctx, EventRateUpdate, map[string]float64{"EUR": 0.92}); err != nil {
		t.Fatal(err)
	}
	// anomalies are not replayed to late joiners
	_ = hub.Publish(ctx, EventRateAnomalies, []string{"EUR"})

	conn := dial(t, srv)
	first := readEnvelope(t, conn)
	if first.Event != EventRateUpdate || !first.Initial {
		t.Fatalf("连接后应先收到最新汇率快照: %+v", first)
	}
	var table map[string]float64
	_ = json.Unmarshal(first.Data, &table)
	if table["EUR"] != 0.92 {
		t.Fatalf("快照内容不正确: %s", first.Data)
	}

	waitClients(t, hub, 1)
	_ = hub.Publish(ctx, EventMarketSummary, map[string]string{"sentiment": "neutral"})
	next := readEnvelope(t, conn)
	if next.Event != EventMarketSummary || next.Initial {
		t.Fatalf("应收到实时推送的 marketSummary: %+v", next)
	}
}

func TestHubRemovesClosedClient(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, hub, 1)
	_ = conn.Close()
	waitClients(t, hub, 0)
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(1, zerolog.Nop())
	c := &client{send: make(chan []byte, 1), hub: hub}
	hub.clients[c] = struct{}{}

	for i := 0; i < 3; i++ {
		_ = hub.Publish(context.Background(), EventRateUpdate, i)
	}
	if hub.Dropped() != 2 {
		t.Fatalf("队列满时应丢弃, 实际丢弃 %d", hub.Dropped())
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Publish(context.Context, string, any) error {
	f.calls++
	return errors.New("sink down")
}

type countingSink struct{ events []string }

func (c *countingSink) Publish(_ context.Context, event string, _ any) error {
	c.events = append(c.events, event)
	return nil
}

func TestFanoutAttemptsEverySink(t *testing.T) {
	bad := &failingSink{}
	good := &countingSink{}
	f := NewFanout(zerolog.Nop(), bad, nil, good)
	if f.Len() != 2 {
		t.Fatalf("nil sink 应被忽略, 实际 %d", f.Len())
	}
	if err := f.Publish(context.Background(), EventRateUpdate, nil); err == nil {
		t.Fatal("某个 sink 失败时应返回错误")
	}
	if len(good.events) != 1 {
		t.Fatal("失败的 sink 不应阻止其他 sink")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherMessage(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisherWithWriter(w, "fx.rates", zerolog.Nop())
	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return at }

	if err := p.Publish(context.Background(), EventRateAnomalies, []string{"EUR"}); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("应写入一条消息, 实际 %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != EventRateAnomalies || !msg.Time.Equal(at) {
		t.Fatalf("消息 key/time 不正确: %+v", msg)
	}
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || env.Event != EventRateAnomalies || string(env.Data) != `["EUR"]` {
		t.Fatalf("消息体不正确: %s (%v)", msg.Value, err)
	}
	_ = p.Close()
	if !w.closed {
		t.Fatal("Close 应关闭 writer")
	}
}

type stuckWriter struct{}

func (stuckWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuckWriter) Close() error { return nil }

func TestKafkaPublishIsBounded(t *testing.T) {
	p := NewKafkaPublisherWithWriter(stuckWriter{}, "fx.rates", zerolog.Nop())
	p.timeout = 20 * time.Millisecond

	started := time.Now()
	err := p.Publish(context.Background(), EventRateUpdate, map[string]float64{"EUR": 0.9})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("broker 无响应时应超时返回, 实际 %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("Publish 阻塞过久: %v", elapsed)
	}
}

func TestKafkaWriterIsAsync(t *testing.T) {
	var buf bytes.Buffer
	p := NewKafkaPublisher([]string{"localhost:9092"}, "fx.rates", zerolog.New(&buf))
	defer p.Close()

	w, ok := p.writer.(*kafka.Writer)
	if !ok {
		t.Fatalf("应使用 kafka.Writer, 实际 %T", p.writer)
	}
	if !w.Async || w.Completion == nil || w.BatchTimeout > 10*time.Millisecond {
		t.Fatalf("writer 应为异步且带完成回调: async=%v batch=%v", w.Async, w.BatchTimeout)
	}

	w.Completion([]kafka.Message{{Key: []byte(EventRateUpdate)}}, errors.New("broker down"))
	out := buf.String()
	if !strings.Contains(out, "kafka delivery failed") || !strings.Contains(out, EventRateUpdate) {
		t.Fatalf("投递失败应记录日志: %s", out)
	}
	buf.Reset()
	w.Completion([]kafka.Message{{Key: []byte(EventRateUpdate)}}, nil)
	if buf.Len() != 0 {
		t.Fatalf("成功投递不应记录日志: %s", buf.String())
	}
}
