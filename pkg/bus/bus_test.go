package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justnews/fabric/pkg/apierr"
	"github.com/justnews/fabric/pkg/events"
)

func TestRegisterAndCall(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	b := New(Config{}, nil)
	require.NoError(t, b.Register(context.Background(), "agent-a", upstream.URL, []string{"summarize"}))

	out, err := b.Call(context.Background(), "agent-a", "summarize", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestCallUnknownAgent(t *testing.T) {
	b := New(Config{}, nil)
	_, err := b.Call(context.Background(), "ghost", "tool", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindNotFound, apiErr.Kind)
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	b := New(Config{FailureThreshold: 2, OpenDuration: time.Minute}, broker)
	require.NoError(t, b.Register(context.Background(), "agent-b", upstream.URL, nil))

	for i := 0; i < 2; i++ {
		_, err := b.Call(context.Background(), "agent-b", "tool", nil, nil)
		require.Error(t, err)
	}

	_, err := b.Call(context.Background(), "agent-b", "tool", nil, nil)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindPrecondition, apiErr.Kind)
	assert.Contains(t, err.Error(), "circuit_open")
}

func TestHealthAggregatesAgentStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	b := New(Config{}, nil)
	require.NoError(t, b.Register(context.Background(), "agent-c", upstream.URL, nil))

	h := b.Health(context.Background())
	assert.Equal(t, StatusHealthy, h.Agents["agent-c"].Status)
	assert.True(t, b.Ready())
}
