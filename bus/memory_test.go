package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"agentplane.node.n1", false},
		{"agentplane.heartbeat.>", false},
		{"agentplane.*.n1", false},
		{"", true},
		{"a..b", true},
		{".leading", true},
		{"trailing.", true},
		{"a.>.b", true},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			err := ValidateSubject(tt.subject)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubject(%q) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
			}
		})
	}
}

func TestSubjectMatches(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.c.d", false},
		{"a.>", "a.b", true},
		{"a.>", "a.b.c.d", true},
		{"a.>", "a", false},
		{"a.b", "a.b.c", false},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s~%s", tt.pattern, tt.subject)
		t.Run(name, func(t *testing.T) {
			if got := SubjectMatches(tt.pattern, tt.subject); got != tt.want {
				t.Errorf("SubjectMatches(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
			}
		})
	}
}

// --- Integration Tests ---

func TestMemoryBus_PubSub(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe("agentplane.node.n1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish("agentplane.node.n1", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("Data = %q, want hello", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, err := b.Subscribe("agentplane.heartbeat.>")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, node := range []string{"n1", "n2"} {
		if err := b.Publish("agentplane.heartbeat."+node, []byte(node)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Messages():
			got[string(msg.Data)] = true
		case <-time.After(time.Second):
			t.Fatalf("received %d of 2 messages", i)
		}
	}
	if !got["n1"] || !got["n2"] {
		t.Errorf("got = %v, want both n1 and n2", got)
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub1, _ := b.QueueSubscribe("agentplane.work", "workers")
	sub2, _ := b.QueueSubscribe("agentplane.work", "workers")

	const n = 10
	for i := 0; i < n; i++ {
		if err := b.Publish("agentplane.work", []byte{byte(i)}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	count := func(sub Subscription) int {
		c := 0
		for {
			select {
			case <-sub.Messages():
				c++
			case <-time.After(100 * time.Millisecond):
				return c
			}
		}
	}

	c1 := count(sub1)
	c2 := count(sub2)
	if c1+c2 != n {
		t.Errorf("total = %d, want %d", c1+c2, n)
	}
	// Rotation should spread work across both members.
	if c1 == 0 || c2 == 0 {
		t.Errorf("queue delivery not balanced: %d/%d", c1, c2)
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("agentplane.ping")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		msg := <-sub.Messages()
		b.Publish(msg.Reply, []byte("pong"))
	}()

	reply, err := b.Request("agentplane.ping", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply = %q, want pong", reply.Data)
	}
	wg.Wait()
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	_, err := b.Request("agentplane.nobody", []byte("ping"), 50*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("Request error = %v, want ErrTimeout", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("agentplane.x")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	// Channel should be closed.
	if _, ok := <-sub.Messages(); ok {
		t.Error("channel still open after Unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	if err := b.Publish("agentplane.x", []byte("y")); err != nil {
		t.Fatalf("Publish after unsubscribe: %v", err)
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	b.Close()

	if err := b.Publish("a.b", nil); err != ErrClosed {
		t.Errorf("Publish error = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("a.b"); err != ErrClosed {
		t.Errorf("Subscribe error = %v, want ErrClosed", err)
	}
	// Double close is a no-op.
	if err := b.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
