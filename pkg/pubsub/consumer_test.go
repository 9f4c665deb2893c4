package pubsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAck struct {
	mu       sync.Mutex
	acks     int
	requeued int
	dead     int
}

func (f *fakeAck) Ack(uint64, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeAck) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if requeue {
		f.requeued++
	} else {
		f.dead++
	}
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error { return f.Nack(tag, false, requeue) }

func (f *fakeAck) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks, f.requeued, f.dead
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body), MessageId: "m-1"}
}

func TestSettle(t *testing.T) {
	retry := &RetrySpec{Enabled: true, TTL: 5 * time.Second}
	cases := []struct {
		name         string
		retry        *RetrySpec
		toFinal      bool
		err          error
		wantAcks     int
		wantRequeued int
		wantDead     int
		wantFinal    int
	}{
		{name: "success acks", err: nil, wantAcks: 1},
		{name: "poison acks", err: fmt.Errorf("bad: %w", ErrPoison), wantAcks: 1},
		{name: "poison copied to final", toFinal: true, err: ErrPoison, wantAcks: 1, wantFinal: 1},
		{name: "transient requeues", err: errors.New("db down"), wantRequeued: 1},
		{name: "transient with retry dead-letters", retry: retry, err: errors.New("db down"), wantDead: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &fakeAck{}
			finals := 0
			spec := ConsumerSpec{QueueTopology: QueueTopology{Queue: "q", Retry: tc.retry, PoisonToFinal: tc.toFinal}}
			settle(spec, delivery(ack, "{}"), tc.err, func(string, amqp.Delivery) error {
				finals++
				return nil
			}, discardLogger())

			acks, requeued, dead := ack.counts()
			if acks != tc.wantAcks || requeued != tc.wantRequeued || dead != tc.wantDead {
				t.Fatalf("acks=%d requeued=%d dead=%d, want %d/%d/%d",
					acks, requeued, dead, tc.wantAcks, tc.wantRequeued, tc.wantDead)
			}
			if finals != tc.wantFinal {
				t.Fatalf("final copies = %d, want %d", finals, tc.wantFinal)
			}
		})
	}
}

func TestJSONHandlerPoisonsUndecodable(t *testing.T) {
	called := false
	h := JSONHandler(func(context.Context, struct{ A int }) error {
		called = true
		return nil
	})
	err := h(context.Background(), amqp.Delivery{Body: []byte("{not json")})
	if !errors.Is(err, ErrPoison) {
		t.Fatalf("err = %v, want ErrPoison", err)
	}
	if called {
		t.Fatal("handler must not run for undecodable payloads")
	}
}

func TestConsumeLoopContinuesAfterPoison(t *testing.T) {
	ack := &fakeAck{}
	msgs := make(chan amqp.Delivery, 3)
	msgs <- delivery(ack, `{"ok":false}`)
	msgs <- delivery(ack, `{"ok":true}`)
	msgs <- delivery(ack, `{"ok":true}`)
	close(msgs)

	var handled int
	spec := ConsumerSpec{
		QueueTopology: QueueTopology{Queue: "q"},
		Consume: JSONHandler(func(_ context.Context, v struct{ OK bool }) error {
			if !v.OK {
				return ErrPoison
			}
			handled++
			return nil
		}),
	}

	restart := consumeLoop(context.Background(), spec, msgs, nil, nil, discardLogger())
	if !restart {
		t.Fatal("closed delivery channel should ask for a restart")
	}
	if handled != 2 {
		t.Fatalf("handled = %d, want 2", handled)
	}
	if acks, _, _ := ack.counts(); acks != 3 {
		t.Fatalf("acks = %d, want 3", acks)
	}
}

func TestConsumeLoopHandlesOneAtATime(t *testing.T) {
	ack := &fakeAck{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- delivery(ack, "1")
	msgs <- delivery(ack, "2")

	release := make(chan struct{})
	started := make(chan string, 2)
	spec := ConsumerSpec{
		QueueTopology: QueueTopology{Queue: "q"},
		Consume: func(_ context.Context, d amqp.Delivery) error {
			started <- string(d.Body)
			if string(d.Body) == "1" {
				<-release
			}
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		consumeLoop(ctx, spec, msgs, nil, nil, discardLogger())
		close(done)
	}()

	if got := <-started; got != "1" {
		t.Fatalf("first handled = %q", got)
	}
	select {
	case got := <-started:
		t.Fatalf("second delivery %q handled while the first was in flight", got)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case got := <-started:
		if got != "2" {
			t.Fatalf("second handled = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("second delivery never handled")
	}
	cancel()
	<-done
}

func TestConsumeLoopParksExhaustedMessages(t *testing.T) {
	ack := &fakeAck{}
	d := delivery(ack, "{}")
	d.Headers = amqp.Table{"x-death": []any{amqp.Table{"queue": "q", "count": int64(3)}}}
	msgs := make(chan amqp.Delivery, 1)
	msgs <- d
	close(msgs)

	var parkedTo string
	spec := ConsumerSpec{
		QueueTopology: QueueTopology{Queue: "q", Retry: &RetrySpec{Enabled: true, MaxAttempts: 3}},
		Consume: func(context.Context, amqp.Delivery) error {
			t.Fatal("exhausted message must not reach the handler")
			return nil
		},
	}
	consumeLoop(context.Background(), spec, msgs, nil, func(ex string, _ amqp.Delivery) error {
		parkedTo = ex
		return nil
	}, discardLogger())

	if parkedTo != "q.final" {
		t.Fatalf("parked to %q, want q.final", parkedTo)
	}
	if acks, _, _ := ack.counts(); acks != 1 {
		t.Fatalf("acks = %d, want 1", acks)
	}
}

func TestConsumeLoopRequeuesPendingOnClose(t *testing.T) {
	ack := &fakeAck{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- delivery(ack, "1")
	msgs <- delivery(ack, "2")
	closed := make(chan *amqp.Error, 1)
	closed <- &amqp.Error{Reason: "gone"}

	spec := ConsumerSpec{QueueTopology: QueueTopology{Queue: "q"}, Consume: func(context.Context, amqp.Delivery) error { return nil }}
	if !consumeLoop(context.Background(), spec, msgs, closed, nil, discardLogger()) {
		t.Fatal("closed channel should ask for a restart")
	}
	acks, requeued, _ := ack.counts()
	if acks+requeued != 2 {
		t.Fatalf("acks=%d requeued=%d, want every delivery settled", acks, requeued)
	}
}

func TestRetryLaterRequeuesConsumerExit(t *testing.T) {
	c := &Client{consumerClosed: make(chan consumerExit, 1)}
	c.retryLater(context.Background(), consumerExit{name: "incoming"}, time.Millisecond)

	select {
	case exit := <-c.consumerClosed:
		if exit.name != "incoming" {
			t.Fatalf("exit = %+v", exit)
		}
	case <-time.After(time.Second):
		t.Fatal("exit not redelivered")
	}
}

func TestRetryLaterDroppedOnCancel(t *testing.T) {
	c := &Client{consumerClosed: make(chan consumerExit, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.retryLater(ctx, consumerExit{name: "incoming"}, time.Millisecond)

	select {
	case exit := <-c.consumerClosed:
		t.Fatalf("exit delivered after cancel: %+v", exit)
	case <-time.After(50 * time.Millisecond):
	}
}
