package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dshills/coltlink/internal/logging"
)

// Method names exposed by the companion service.
const (
	MethodPing                     = "ping"
	MethodRequestShortCode         = "requestShortCode"
	MethodObtainAuthToken          = "obtainAuthToken"
	MethodRunBaseCompilation       = "runBaseCompilation"
	MethodRunProductionCompilation = "runProductionCompilation"
)

// DefaultTimeout bounds a single HTTP round trip.
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 16 << 20

// Connection identifies one companion-service endpoint for one project.
type Connection struct {
	// Project is the path of the .colt project file.
	Project string

	// BaseURL is the full service URL requests are posted to.
	BaseURL string

	nextID atomic.Int64
}

// NewConnection creates a connection for the given project and endpoint.
func NewConnection(project, baseURL string) *Connection {
	return &Connection{Project: project, BaseURL: baseURL}
}

// NextID reserves and returns the next request id.
func (c *Connection) NextID() int64 {
	return c.nextID.Add(1)
}

// lastID returns the most recently reserved id, or 0 if none was reserved.
func (c *Connection) lastID() int64 {
	return c.nextID.Load()
}

// Request is a JSON-RPC call as sent on the wire.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// EndpointResolver locates the service URL for a project.
type EndpointResolver interface {
	Resolve(project string) string
}

// Transport sends JSON-RPC calls over one Connection.
type Transport struct {
	conn   *Connection
	client *http.Client
	logger *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.client = &http.Client{Timeout: d}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logging.OrDiscard(l)
	}
}

// NewTransport creates a transport over an existing connection.
func NewTransport(conn *Connection, opts ...Option) *Transport {
	t := &Transport{
		conn:   conn,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial resolves the endpoint for project once and returns a transport for it.
// The endpoint is not re-resolved later; build a new Transport if the service
// may have moved.
func Dial(project string, resolver EndpointResolver, opts ...Option) *Transport {
	return NewTransport(NewConnection(project, resolver.Resolve(project)), opts...)
}

// Connection returns the connection this transport owns.
func (t *Transport) Connection() *Connection {
	return t.conn
}

// Invoke calls method with params and returns the raw result.
// The result is nil when the response has no result member.
func (t *Transport) Invoke(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	id := t.conn.NextID()
	if params == nil {
		params = []any{}
	}

	t.logger.Debug("rpc invoke", "method", method, "id", id, "url", t.conn.BaseURL)

	if t.conn.BaseURL == "" {
		return nil, &Error{Kind: KindTransport, Err: ErrNoEndpoint}
	}

	body, err := json.Marshal(&Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.conn.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	result, err := parseResponse(data)
	if err != nil {
		if resp.StatusCode/100 != 2 && KindOf(err) == KindMalformed {
			// An HTTP failure without a JSON-RPC error body is a transport problem.
			return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("http status %s", resp.Status)}
		}
		t.logger.Debug("rpc error", "method", method, "id", id, "err", err)
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &Error{Kind: KindTransport, Err: fmt.Errorf("http status %s", resp.Status)}
	}
	return result, nil
}

// Ping checks whether the service answers.
func (t *Transport) Ping(ctx context.Context) error {
	_, err := t.Invoke(ctx, MethodPing)
	return err
}

// parseResponse decodes a response body into its result or a classified error.
func parseResponse(data []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, &Error{Kind: KindMalformed, Message: "invalid JSON response"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &Error{Kind: KindMalformed, Message: "response is not a JSON object"}
	}

	if errVal := root.Get("error"); errVal.Exists() && errVal.Type != gjson.Null {
		return nil, errorFromValue(errVal)
	}

	result := root.Get("result")
	if !result.Exists() {
		return nil, nil
	}
	return json.RawMessage(result.Raw), nil
}

// errorFromValue classifies the error member of a response.
func errorFromValue(v gjson.Result) *Error {
	if !v.IsObject() {
		msg := v.Raw
		if v.Type == gjson.String {
			msg = v.String()
		}
		return &Error{Kind: KindGeneric, Message: msg}
	}

	typeName := ""
	if tn := v.Get("data.exceptionTypeName"); tn.Type == gjson.String {
		typeName = tn.String()
	}
	message := ""
	if m := v.Get("message"); m.Type == gjson.String {
		message = m.String()
	}
	return &Error{
		Kind:     classify(typeName),
		TypeName: typeName,
		Message:  message,
	}
}
