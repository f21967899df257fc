package fhem

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commandServer records the cmd parameter of every request.
type commandServer struct {
	mu      sync.Mutex
	queries []url.Values
	reply   func(cmd string) string
}

func (s *commandServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()

	if s.reply != nil {
		io.WriteString(w, s.reply(q.Get("cmd")))
	}
}

func (s *commandServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queries))
	for _, q := range s.queries {
		out = append(out, q.Get("cmd"))
	}
	return out
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(ClientConfig{Server: "fhem.local", Port: 8083})
	require.NoError(t, err)
	assert.Equal(t, "http://fhem.local:8083/fhem", c.BaseURL())
	assert.Equal(t, "fhem.local", c.Name())

	c, err = NewClient(ClientConfig{Name: "main", Server: "fhem.local", Port: 8084, SSL: true, WebName: "/ftui/"})
	require.NoError(t, err)
	assert.Equal(t, "https://fhem.local:8084/ftui", c.BaseURL())

	_, err = NewClient(ClientConfig{Port: 8083})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewClient(ClientConfig{Server: "fhem.local", Port: 70000})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClient_LongpollURL(t *testing.T) {
	c, err := NewClient(ClientConfig{Server: "fhem.local", Port: 8083})
	require.NoError(t, err)

	now := time.UnixMilli(1700000000500)
	u, err := url.Parse(c.longpollURL("", time.Time{}, now))
	require.NoError(t, err)
	assert.Equal(t, "/fhem", u.Path)
	assert.Equal(t, "1", u.Query().Get("XHR"))
	assert.Equal(t, "1700000000500", u.Query().Get("timestamp"))
	assert.Equal(t, "type=status;addglobal=1;filter=.*;since=null;fmt=JSON", u.Query().Get("inform"))

	u, err = url.Parse(c.longpollURL("room=Kitchen", time.UnixMilli(1700000000123), now))
	require.NoError(t, err)
	assert.Equal(t, "type=status;addglobal=1;filter=room=Kitchen;since=1700000000.123;fmt=JSON", u.Query().Get("inform"))
}

func TestClient_Execute(t *testing.T) {
	cs := &commandServer{reply: func(string) string { return "line1\r\nline2\n" }}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	_, known := c.CSRFToken()
	assert.False(t, known)

	out, err := c.Execute(t.Context(), "set lamp on")
	require.NoError(t, err)
	assert.Equal(t, "line1line2", out)

	c.SetCSRFToken("csrf_123")
	_, err = c.Execute(t.Context(), "set lamp off")
	require.NoError(t, err)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.Len(t, cs.queries, 2)
	assert.Equal(t, "set lamp on", cs.queries[0].Get("cmd"))
	assert.False(t, cs.queries[0].Has("fwcsrf"))
	assert.Equal(t, "1", cs.queries[0].Get("XHR"))
	assert.Equal(t, "csrf_123", cs.queries[1].Get("fwcsrf"))
}

func TestClient_ExecuteDeviceMarksActiveDevice(t *testing.T) {
	cs := &commandServer{}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.ActiveDevice = "ghome" })
	_, err := c.ExecuteDevice(t.Context(), "set lamp on")
	require.NoError(t, err)

	assert.Equal(t, []string{
		`{$defs{ghome}->{"active"} = 1}`,
		"set lamp on",
		`{$defs{ghome}->{"active"} = 0}`,
	}, cs.commands())
}

func TestClient_ReadingsVal(t *testing.T) {
	cs := &commandServer{reply: func(cmd string) string {
		if cmd == `{ReadingsVal("lamp","pct","")}` {
			return "42\n"
		}
		return ""
	}}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	v, err := newTestClient(t, srv, nil).ReadingsVal(t.Context(), "lamp", "pct")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}

func TestClient_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).Execute(t.Context(), "set lamp on")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestClient_ConnectionFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newTestClient(t, srv, nil)
	srv.Close()

	_, err := c.Execute(t.Context(), "set lamp on")
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestClient_BasicAuth(t *testing.T) {
	var (
		mu         sync.Mutex
		user, pass string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		user, pass, _ = r.BasicAuth()
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(cfg *ClientConfig) { cfg.User, cfg.Password = "admin", "secret" })
	_, err := c.Execute(t.Context(), "list")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", pass)
}

func TestClient_EnsureUserAttrs(t *testing.T) {
	cs := &commandServer{reply: func(cmd string) string {
		if cmd == `{AttrVal("global","userattr","")}` {
			return "homebridgeMapping:textField-long genericDeviceType"
		}
		return ""
	}}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	added, err := newTestClient(t, srv, nil).EnsureUserAttrs(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"realRoom"}, added)
	assert.Equal(t, []string{
		`{AttrVal("global","userattr","")}`,
		`{ addToAttrList( "realRoom:textField" ) }`,
	}, cs.commands())
}

func TestClient_JSONList2(t *testing.T) {
	const listing = `{
	  "Arg": "jsonlist2 room=Kitchen",
	  "Results": [{
	    "Name": "lamp",
	    "PossibleSets": "on off dim:slider,0,1,100 toggle",
	    "PossibleAttrs": "room alias",
	    "Internals": {"NAME": "lamp", "TYPE": "HUEDevice", "NR": 42},
	    "Readings": {"pct": {"Value": 50, "Time": "2024-01-01 10:00:00"}, "state": {"Value": "on", "Time": null}},
	    "Attributes": {"room": "Kitchen,Lights", "homebridgeMapping": "On=state"}
	  }],
	  "totalResultsReturned": 1
	}`
	cs := &commandServer{reply: func(string) string { return listing }}
	srv := httptest.NewServer(cs)
	defer srv.Close()

	list, err := newTestClient(t, srv, nil).JSONList2(t.Context(), "room=Kitchen")
	require.NoError(t, err)
	assert.Equal(t, []string{"jsonlist2 room=Kitchen"}, cs.commands())

	require.Len(t, list.Results, 1)
	d := list.Results[0]
	assert.Equal(t, "HUEDevice", d.Type())
	assert.Equal(t, "42", d.Internal("NR"))
	assert.Equal(t, "Kitchen,Lights", d.Attr("room"))
	v, ok := d.Reading("pct")
	assert.True(t, ok)
	assert.Equal(t, "50", v)
	_, ok = d.Reading("missing")
	assert.False(t, ok)
	assert.True(t, d.HasSet("dim"))
	assert.True(t, d.HasSet("toggle"))
	assert.False(t, d.HasSet("slider"))
}

func TestClient_JSONList2Invalid(t *testing.T) {
	srv := httptest.NewServer(&commandServer{reply: func(string) string { return "Unknown command" }})
	defer srv.Close()

	_, err := newTestClient(t, srv, nil).JSONList2(t.Context(), "")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
