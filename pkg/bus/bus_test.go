package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Close()

	assert.Error(t, b.Healthy())
	assert.Error(t, b.EnsureStream("PIPELINED", "pipelined.>"))
	assert.Error(t, b.Publish(context.Background(), "pipelined.events.log", []byte(`{}`)))

	_, err := b.Subscribe(context.Background(), "pipelined.trigger", "d", func(context.Context, []byte) error { return nil })
	assert.Error(t, err)
}

func TestNewRejectsUnreachableServer(t *testing.T) {
	_, err := New("nats://127.0.0.1:1")
	assert.Error(t, err)
}
