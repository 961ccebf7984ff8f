package agentshell

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistrar struct {
	registered   bool
	deregistered bool
}

func (f *fakeRegistrar) Register(ctx context.Context, name, endpoint string, capabilities []string) error {
	f.registered = true
	return nil
}
func (f *fakeRegistrar) Deregister(name string) { f.deregistered = true }

type fakeReleaser struct{ released string }

func (f *fakeReleaser) ReleaseLease(ctx context.Context, token string) error {
	f.released = token
	return nil
}

func TestShellHealthAndReady(t *testing.T) {
	reg := &fakeRegistrar{}
	s := New("agent-x", "1.0.0", reg, nil)
	require.NoError(t, s.Start(context.Background(), "http://localhost:9000", []string{"extract"}))
	assert.True(t, reg.registered)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestShellToolDispatch(t *testing.T) {
	s := New("agent-y", "1.0.0", nil, nil)
	s.RegisterTool("echo", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return map[string]any{"echoed": kwargs}, nil
	})

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"kwargs": map[string]any{"k": "v"}})
	resp, err := http.Post(srv.URL+"/echo", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShellShutdownReleasesLease(t *testing.T) {
	reg := &fakeRegistrar{}
	rel := &fakeReleaser{}
	s := New("agent-z", "1.0.0", reg, rel)
	s.SetLeaseToken("tok-123")

	s.Shutdown(context.Background())
	assert.True(t, reg.deregistered)
	assert.Equal(t, "tok-123", rel.released)
}
