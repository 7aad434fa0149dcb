package bus

import (
	"context"
	"testing"
)

func TestNilBus(t *testing.T) {
	var b *Bus

	if err := b.Publish(context.Background(), SubjectInventoryReported, map[string]string{}); err == nil {
		t.Fatal("Publish() on nil bus succeeded")
	}
	if _, err := b.Subscribe(context.Background(), SubjectInventoryReported, "durable", func(context.Context, []byte) error { return nil }); err == nil {
		t.Fatal("Subscribe() on nil bus succeeded")
	}
	if err := b.EnsureStream(StreamInventory, SubjectInventoryReported); err == nil {
		t.Fatal("EnsureStream() on nil bus succeeded")
	}
	b.Close()
}

func TestNewFailsWithoutServer(t *testing.T) {
	if _, err := New("nats://127.0.0.1:1"); err == nil {
		t.Fatal("New() connected to a closed port")
	}
}
