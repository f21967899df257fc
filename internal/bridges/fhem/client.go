package fhem

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultWebName is the FHEMWEB instance path used when none is configured.
	defaultWebName = "fhem"

	// defaultRequestTimeout bounds command and query requests.
	defaultRequestTimeout = 10 * time.Second

	// csrfHeader carries the FHEMWEB csrf token on every response.
	csrfHeader = "X-FHEM-csrfToken"

	// maxResponseSize limits command and jsonlist2 response bodies.
	maxResponseSize = 32 << 20
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Executor runs FHEM commands on behalf of a device.
type Executor interface {
	ExecuteDevice(ctx context.Context, cmd string) (string, error)
}

// ClientConfig describes one FHEMWEB endpoint.
type ClientConfig struct {
	// Name identifies the connection in logs and health messages.
	Name string

	Server  string
	Port    int
	WebName string
	SSL     bool

	// InsecureSkipVerify accepts self-signed FHEMWEB certificates.
	InsecureSkipVerify bool

	User     string
	Password string

	// RequestTimeout bounds command requests. The longpoll stream is not
	// affected. Default: 10 seconds.
	RequestTimeout time.Duration

	// ActiveDevice names an FHEM device whose "active" internal is raised
	// while device commands run. Empty disables the wrapper.
	ActiveDevice string

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Client talks to one FHEMWEB instance.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	name         string
	baseURL      string
	user         string
	password     string
	activeDevice string

	http   *http.Client
	stream *http.Client

	// csrf holds the token of the last longpoll response; nil until the
	// first response arrived.
	csrf atomic.Pointer[string]

	logger   Logger
	loggerMu sync.RWMutex
}

// NewClient creates a client for the endpoint in cfg.
//
// Parameters:
//   - cfg: Endpoint description; Server and Port are required
//
// Returns:
//   - *Client: Ready to use
//   - error: ErrInvalidConfig if the endpoint is incomplete
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("%w: server is required", ErrInvalidConfig)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, cfg.Port)
	}

	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	webName := strings.Trim(cfg.WebName, "/")
	if webName == "" {
		webName = defaultWebName
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.InsecureSkipVerify {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed FHEMWEB certificates
		}
		transport = t
	}

	name := cfg.Name
	if name == "" {
		name = cfg.Server
	}

	return &Client{
		name:         name,
		baseURL:      fmt.Sprintf("%s://%s:%d/%s", scheme, cfg.Server, cfg.Port, webName),
		user:         cfg.User,
		password:     cfg.Password,
		activeDevice: cfg.ActiveDevice,
		http:         &http.Client{Transport: transport, Timeout: timeout},
		stream:       &http.Client{Transport: transport},
	}, nil
}

// Name returns the connection name.
func (c *Client) Name() string { return c.name }

// BaseURL returns the FHEMWEB base URL, e.g. "http://fhem:8083/fhem".
func (c *Client) BaseURL() string { return c.baseURL }

// SetLogger sets the logger for this client, normally one scoped with
// logging.Logger.Connection.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// CSRFToken returns the current csrf token. The second result is false
// until a longpoll response delivered one (possibly empty).
func (c *Client) CSRFToken() (string, bool) {
	p := c.csrf.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// SetCSRFToken stores the token sent with subsequent commands.
func (c *Client) SetCSRFToken(token string) {
	c.csrf.Store(&token)
}

// Execute runs an FHEM command through the ?cmd= endpoint and returns its
// output with line breaks removed.
//
// Parameters:
//   - ctx: Context for cancellation
//   - cmd: FHEM command, e.g. "set lamp on" or "{ReadingsVal(...)}"
//
// Returns:
//   - string: Command output without "\r" and "\n"
//   - error: ErrConnectionFailed or ErrUnexpectedStatus
func (c *Client) Execute(ctx context.Context, cmd string) (string, error) {
	c.logInfo("executing", "cmd", cmd)

	body, err := c.get(ctx, c.commandURL(cmd))
	if err != nil {
		return "", err
	}
	return strings.NewReplacer("\r", "", "\n", "").Replace(string(body)), nil
}

// ExecuteDevice runs cmd like Execute. With an active device configured the
// command is bracketed by raising and clearing that device's "active"
// internal.
func (c *Client) ExecuteDevice(ctx context.Context, cmd string) (string, error) {
	if c.activeDevice == "" {
		return c.Execute(ctx, cmd)
	}

	if _, err := c.Execute(ctx, c.activeCommand(1)); err != nil {
		c.logError("failed to mark active device", err)
	}
	out, err := c.Execute(ctx, cmd)
	if _, clearErr := c.Execute(ctx, c.activeCommand(0)); clearErr != nil {
		c.logError("failed to clear active device", clearErr)
	}
	return out, err
}

func (c *Client) activeCommand(v int) string {
	return fmt.Sprintf(`{$defs{%s}->{"active"} = %d}`, c.activeDevice, v)
}

// ReadingsVal fetches the current value of one reading.
func (c *Client) ReadingsVal(ctx context.Context, device, reading string) (string, error) {
	return c.ExecuteDevice(ctx, readingsValCommand(device, reading))
}

// AttrVal fetches one attribute of a device.
func (c *Client) AttrVal(ctx context.Context, device, attr string) (string, error) {
	return c.Execute(ctx, fmt.Sprintf(`{AttrVal("%s","%s","")}`, device, attr))
}

func readingsValCommand(device, reading string) string {
	return fmt.Sprintf(`{ReadingsVal("%s","%s","")}`, device, reading)
}

// userAttrs are the global user attributes the bridge relies on.
var userAttrs = []struct {
	name string
	def  string
	re   *regexp.Regexp
}{
	{"homebridgeMapping", "homebridgeMapping:textField-long", regexp.MustCompile(`(^| )homebridgeMapping\b`)},
	{"realRoom", "realRoom:textField", regexp.MustCompile(`(^| )realRoom\b`)},
}

// EnsureUserAttrs adds the homebridgeMapping and realRoom attributes to the
// global userattr list when they are missing.
//
// Returns:
//   - []string: Names of the attributes that were added
//   - error: First request failure
func (c *Client) EnsureUserAttrs(ctx context.Context) ([]string, error) {
	current, err := c.AttrVal(ctx, "global", "userattr")
	if err != nil {
		return nil, fmt.Errorf("reading global userattr: %w", err)
	}

	var added []string
	for _, a := range userAttrs {
		if a.re.MatchString(current) {
			continue
		}
		if _, err := c.Execute(ctx, fmt.Sprintf(`{ addToAttrList( "%s" ) }`, a.def)); err != nil {
			return added, fmt.Errorf("adding %s to userattr: %w", a.name, err)
		}
		c.logInfo("attribute created", "attribute", a.name)
		added = append(added, a.name)
	}
	return added, nil
}

// JSONList2 fetches the device listing for filter ("" lists every device).
func (c *Client) JSONList2(ctx context.Context, filter string) (*JSONList, error) {
	cmd := "jsonlist2"
	if filter != "" {
		cmd += " " + filter
	}

	body, err := c.get(ctx, c.commandURL(cmd))
	if err != nil {
		return nil, err
	}

	var list JSONList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	c.logInfo("device listing fetched", "results", list.TotalResultsReturned)
	return &list, nil
}

// commandURL builds "<base>?cmd=<cmd>&fwcsrf=<token>&XHR=1".
func (c *Client) commandURL(cmd string) string {
	q := url.Values{}
	q.Set("cmd", cmd)
	if tok, _ := c.CSRFToken(); tok != "" {
		q.Set("fwcsrf", tok)
	}
	q.Set("XHR", "1")
	return c.baseURL + "?" + q.Encode()
}

// longpollURL builds the inform request resuming at since (zero: from now).
func (c *Client) longpollURL(filter string, since, now time.Time) string {
	if filter == "" {
		filter = ".*"
	}
	sinceText := "null"
	if !since.IsZero() {
		sinceText = strconv.FormatFloat(float64(since.UnixMilli())/1000, 'f', -1, 64)
	}

	q := url.Values{}
	q.Set("XHR", "1")
	q.Set("inform", fmt.Sprintf("type=status;addglobal=1;filter=%s;since=%s;fmt=JSON", filter, sinceText))
	q.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	return c.baseURL + "?" + q.Encode()
}

func (c *Client) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	return req, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrConnectionFailed, err)
	}
	return body, nil
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, err error) {
	c.loggerMu.RLock()
	logger := c.logger
	c.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
