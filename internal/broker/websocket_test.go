package broker

import (
	"testing"

	"github.com/castlemq/reqproxy/internal/envelope"
)

func TestWebSocketAdapterCreateTemporaryDestination(t *testing.T) {
	a := NewWebSocketAdapter(":0", "/reqproxy/ws")
	d1, err := a.CreateTemporaryDestination()
	if err != nil {
		t.Fatalf("CreateTemporaryDestination: %v", err)
	}
	d2, err := a.CreateTemporaryDestination()
	if err != nil {
		t.Fatalf("CreateTemporaryDestination: %v", err)
	}
	if d1 == d2 {
		t.Fatalf("expected distinct destinations, got %q twice", d1)
	}
}

func TestWebSocketAdapterSendWithoutConnectionFails(t *testing.T) {
	a := NewWebSocketAdapter(":0", "/reqproxy/ws")
	dest, _ := a.CreateTemporaryDestination()
	if err := a.Send(dest, nil, []byte("hi"), 0, false); err == nil {
		t.Fatal("expected an error sending to a destination with no owning connection")
	}
}

func TestWebSocketAdapterOpenConsumerRecordsDestination(t *testing.T) {
	a := NewWebSocketAdapter(":0", "/reqproxy/ws")
	if err := a.OpenConsumer("svc.ws", func(in envelope.Inbound) {}); err != nil {
		t.Fatalf("OpenConsumer: %v", err)
	}
	if a.consumerDestination != "svc.ws" {
		t.Fatalf("consumerDestination = %q, want svc.ws", a.consumerDestination)
	}
}

func TestWebSocketAdapterCloseWithoutOpenProducer(t *testing.T) {
	a := NewWebSocketAdapter(":0", "/reqproxy/ws")
	if err := a.Close(); err != nil {
		t.Fatalf("Close on an unopened adapter: %v", err)
	}
}
