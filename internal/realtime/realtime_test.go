package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	acquisitionevents "scada-monitor/internal/acquisition/application/events"
	acquisition "scada-monitor/internal/acquisition/domain"
	alarmapp "scada-monitor/internal/alarms/application"
	alarms "scada-monitor/internal/alarms/domain"
)

type recordingBroadcaster struct {
	mu       sync.Mutex
	channels []string
	messages []Message
	err      error
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, channel string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	b.messages = append(b.messages, msg)
	return b.err
}

type fakeRedis struct {
	mu        sync.Mutex
	published map[string][]string
	err       error
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string][]string{}
	}
	if data, ok := message.([]byte); ok {
		f.published[channel] = append(f.published[channel], string(data))
	}
	return redis.NewIntResult(1, f.err)
}

func sample() acquisitionevents.DataAcquired {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return acquisitionevents.DataAcquired{
		EventID: "evt-1",
		Sample:  acquisition.NewSample("plc-1", at, map[string]acquisition.Value{"D100": acquisition.Number(7)}),
	}
}

func TestFanoutRoutesToChannels(t *testing.T) {
	first := &recordingBroadcaster{}
	second := &recordingBroadcaster{err: errors.New("down")}
	fanout := NewFanout(nil, first, nil, second)

	if err := fanout.HandleDataAcquired(context.Background(), sample()); err != nil {
		t.Fatalf("data: %v", err)
	}
	fanout.Notify(context.Background(), alarmapp.AlarmEvent{Type: alarmapp.EventTriggered, Alarm: alarms.Alarm{ID: "a1"}, Class: alarms.ClassA})
	fanout.NotifyRule(context.Background(), alarmapp.RuleEvent{Type: alarmapp.EventRuleCreated, Rule: alarms.AlarmRule{ID: "r1"}})

	want := []string{"data", "data:plc-1", "alarms", "rules"}
	if strings.Join(first.channels, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected channels %v", first.channels)
	}
	if len(second.channels) != 4 {
		t.Fatalf("a failing target should still receive every message")
	}
	if first.messages[2].Type != alarmapp.EventTriggered || first.messages[1].Channel != "data:plc-1" {
		t.Fatalf("unexpected messages: %+v", first.messages)
	}
	var event alarmapp.AlarmEvent
	if err := json.Unmarshal(first.messages[2].Data, &event); err != nil || event.Alarm.ID != "a1" {
		t.Fatalf("expected alarm payload, got %s (%v)", first.messages[2].Data, err)
	}
}

func TestFanoutConsumeFromBus(t *testing.T) {
	target := &recordingBroadcaster{}
	fanout := NewFanout(nil, target)
	evt := sample()
	if err := fanout.Consume(context.Background(), &evt); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(target.channels) != 2 {
		t.Fatalf("expected global and device channel, got %v", target.channels)
	}
	issue := acquisitionevents.RateLimited{DeviceID: "plc-1", BackoffMs: 30000}
	if err := fanout.Consume(context.Background(), issue); err != nil {
		t.Fatalf("consume rate limit: %v", err)
	}
	if len(target.messages) != 3 || target.messages[2].Type != TypeRateLimit || target.channels[2] != "data:plc-1" {
		t.Fatalf("expected rate limit on device channel, got %v", target.channels)
	}
	if err := fanout.Consume(context.Background(), "not an event"); err == nil {
		t.Fatalf("expected error for foreign event")
	}
}

func TestValidChannel(t *testing.T) {
	cases := map[string]bool{
		"data": true, "alarms": true, "rules": true, "data:plc-1": true,
		"data:": false, "": false, "health": false,
	}
	for channel, want := range cases {
		if got := ValidChannel(channel); got != want {
			t.Fatalf("ValidChannel(%q) = %v, want %v", channel, got, want)
		}
	}
}

func TestRedisPublisherPrefixesChannels(t *testing.T) {
	client := &fakeRedis{}
	publisher := NewRedisPublisher(client, "")
	fanout := NewFanout(nil, publisher)
	if err := fanout.HandleDataAcquired(context.Background(), sample()); err != nil {
		t.Fatalf("data: %v", err)
	}
	if len(client.published["scada:data"]) != 1 || len(client.published["scada:data:plc-1"]) != 1 {
		t.Fatalf("unexpected publishes: %v", client.published)
	}
	var msg Message
	if err := json.Unmarshal([]byte(client.published["scada:data"][0]), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != TypeData || msg.Channel != "data" {
		t.Fatalf("unexpected message %+v", msg)
	}

	client.err = errors.New("connection refused")
	if err := publisher.Broadcast(context.Background(), ChannelAlarms, Message{Type: "x"}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHubDeliversSubscribedChannels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	server := httptest.NewServer(hub)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(clientRequest{Type: TypeSubscribe, Channel: "weather"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeError {
		t.Fatalf("expected error for unknown channel, got %+v", msg)
	}

	if err := conn.WriteJSON(clientRequest{Type: TypeSubscribe, Channel: ChannelAlarms}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypeAck || msg.Channel != ChannelAlarms {
		t.Fatalf("expected ack, got %+v", msg)
	}

	fanout := NewFanout(nil, hub)
	if err := fanout.HandleDataAcquired(ctx, sample()); err != nil {
		t.Fatalf("data: %v", err)
	}
	fanout.Notify(ctx, alarmapp.AlarmEvent{Type: alarmapp.EventCleared, Alarm: alarms.Alarm{ID: "a9"}})

	msg := readMessage(t, conn)
	if msg.Type != alarmapp.EventCleared || msg.Channel != ChannelAlarms {
		t.Fatalf("expected only the alarm message, got %+v", msg)
	}

	if err := conn.WriteJSON(clientRequest{Type: TypePing}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != TypePong {
		t.Fatalf("expected pong, got %+v", msg)
	}
}

func TestHubBroadcastAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	if err := hub.Broadcast(context.Background(), ChannelData, Message{Type: TypeData}); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
}
