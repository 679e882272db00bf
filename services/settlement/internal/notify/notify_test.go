package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type recordingSink struct {
	mu    sync.Mutex
	got   []Notification
	err   error
	block chan struct{}
}

func (s *recordingSink) Deliver(ctx context.Context, n Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

type fakePublisher struct {
	mu    sync.Mutex
	topic string
	key   string
	value any
}

func (p *fakePublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic, p.key, p.value = topic, key, value
	return 0, 0, nil
}

func (p *fakePublisher) Close() error { return nil }

func TestDispatcherDoesNotBlockCaller(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, time.Second, nil)

	done := make(chan struct{})
	go func() {
		d.Queue(context.Background(), Notification{UserID: uuid.New(), Title: "hi"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Queue blocked on delivery")
	}

	close(sink.block)
	d.Wait()
	if len(sink.got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(sink.got))
	}
}

func TestDispatcherSwallowsErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("smtp down")}
	d := NewDispatcher(sink, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.Queue(ctx, Notification{UserID: uuid.New()})
	cancel()
	d.Wait()

	if len(sink.got) != 1 {
		t.Fatalf("expected delivery attempt despite cancelled caller")
	}
}

func TestDispatcherSkipsAnonymousUsers(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, time.Second, nil)
	d.Queue(context.Background(), Notification{Title: "nobody"})
	d.Wait()
	if len(sink.got) != 0 {
		t.Fatalf("expected no delivery")
	}
}

func TestKafkaSinkPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewKafkaSink(pub, "settlement.notifications")
	userID := uuid.New()

	if err := sink.Deliver(context.Background(), Notification{UserID: userID, Title: "Paid", Type: TypePayout}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if pub.topic != "settlement.notifications" || pub.key != userID.String() {
		t.Fatalf("unexpected publish target %s/%s", pub.topic, pub.key)
	}

	raw, _ := json.Marshal(pub.value)
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["event_type"] != "notification.requested" || decoded["title"] != "Paid" {
		t.Fatalf("unexpected payload %s", raw)
	}
}
