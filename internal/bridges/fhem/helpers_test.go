package fhem

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanniks/ghome-fhem/internal/mapping"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestClient points a client at srv.
func newTestClient(t *testing.T, srv *httptest.Server, mutate func(*ClientConfig)) *Client {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := ClientConfig{Name: "test", Server: u.Hostname(), Port: port}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func preparedMapping(device string, r mapping.Rules) *mapping.Mapping {
	m := mapping.New(r)
	m.Prepare(device, mapping.DefaultFuncs(), discardLogger())
	return m
}

// fakeExecutor records commands and answers from a table.
type fakeExecutor struct {
	mu      sync.Mutex
	cmds    []string
	replies map[string]string
	err     error
}

func (f *fakeExecutor) ExecuteDevice(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return "", f.err
	}
	return f.replies[cmd], nil
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}
