package natsutil

import (
	"testing"

	"github.com/nats-io/nats.go"
)

func TestHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	c := (*natsHeaderCarrier)(msg)

	if c.Get("traceparent") != "" {
		t.Fatal("empty carrier should return empty")
	}
	if c.Keys() != nil {
		t.Fatal("empty carrier should have no keys")
	}

	c.Set("traceparent", "00-abc-def-01")
	if c.Get("traceparent") != "00-abc-def-01" {
		t.Fatal("set/get roundtrip failed")
	}
	if len(c.Keys()) != 1 {
		t.Fatalf("expected 1 key, got %d", len(c.Keys()))
	}
	if msg.Header.Get("traceparent") == "" {
		t.Fatal("carrier should write through to the message header")
	}
}
