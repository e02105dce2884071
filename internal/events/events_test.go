package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/garage/internal/config"
)

func TestNewPubSub_deliversMessages(t *testing.T) {
	ps := NewPubSub(config.EventsConfig{}, zap.NewNop())
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msgs, err := ps.Subscribe(ctx, "garage.test")
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"ok":true}`))
	msg.Metadata.Set("session_id", "sess-1")
	require.NoError(t, ps.Publish("garage.test", msg))

	select {
	case got := <-msgs:
		assert.Equal(t, "sess-1", got.Metadata.Get("session_id"))
		assert.JSONEq(t, `{"ok":true}`, string(got.Payload))
		got.Ack()
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestZapLogger_levelsAndFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core))

	l.With(watermill.LogFields{"topic": "garage.test"}).Info("subscribed", watermill.LogFields{"n": 1})
	l.Error("publish failed", errors.New("closed"), nil)
	l.Trace("tick", nil)

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "watermill", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "garage.test", fields["topic"])
	assert.EqualValues(t, 1, fields["n"])

	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "closed", entries[1].ContextMap()["error"])

	assert.Equal(t, zapcore.DebugLevel, entries[2].Level)
}

func TestNewZapLogger_nil(t *testing.T) {
	assert.NotPanics(t, func() {
		NewZapLogger(nil).Info("ignored", nil)
	})
}
