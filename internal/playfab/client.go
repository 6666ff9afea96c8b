package playfab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"resty.dev/v3"
)

var (
	ErrAPI       = errors.New("playfab: api error")
	ErrTransport = errors.New("playfab: transport error")
)

const (
	SecretKeyHeader    = "X-SecretKey"
	ReleaseFileName    = "cloudscript.min.js"
	defaultHTTPTimeout = 30 * time.Second
)

// APIError is the error body the backend returns for failed calls.
type APIError struct {
	Code      int             `json:"code"`
	Status    string          `json:"status"`
	ErrorName string          `json:"error"`
	ErrorCode int             `json:"errorCode"`
	Message   string          `json:"errorMessage"`
	Details   json.RawMessage `json:"errorDetails,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("playfab: %s (%d): %s", e.ErrorName, e.ErrorCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrAPI
}

type envelope struct {
	Code   int             `json:"code"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// HTTPRequest is an outbound call made by handler code.
type HTTPRequest struct {
	URL         string
	Method      string
	Body        string
	ContentType string
	Headers     map[string]string
}

// ForwardedResponse is a backend reply relayed verbatim to a caller.
type ForwardedResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

type Option func(*Client)

// WithBaseURL points the client at something other than the title's
// default endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(url), "/")
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Client is bound to one title and its secret.
type Client struct {
	titleID string
	secret  string
	baseURL string
	timeout time.Duration
	http    *resty.Client
}

func NewClient(titleID, secret string, opts ...Option) *Client {
	c := &Client{
		titleID: strings.TrimSpace(titleID),
		secret:  strings.TrimSpace(secret),
		timeout: defaultHTTPTimeout,
	}
	c.baseURL = TitleURL(c.titleID)
	for _, opt := range opts {
		opt(c)
	}
	c.http = resty.New().SetTimeout(c.timeout)
	return c
}

// TitleURL is the default API endpoint for a title.
func TitleURL(titleID string) string {
	return "https://" + strings.ToLower(titleID) + ".playfabapi.com"
}

func (c *Client) TitleID() string { return c.titleID }

func (c *Client) BaseURL() string { return c.baseURL }

// CallServer invokes /Server/<method> with the title secret and returns
// the data member of the reply.
func (c *Client) CallServer(ctx context.Context, method string, request json.RawMessage) (json.RawMessage, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, fmt.Errorf("%w: empty server method", ErrAPI)
	}
	return c.post(ctx, "/Server/"+method, request)
}

// UpdateCloudScript uploads a release script and returns the new revision.
func (c *Client) UpdateCloudScript(ctx context.Context, script string, publish bool) (int, error) {
	body, err := json.Marshal(map[string]any{
		"Publish": publish,
		"Files": []map[string]string{
			{"FileName": ReleaseFileName, "FileContents": script},
		},
	})
	if err != nil {
		return 0, err
	}
	data, err := c.post(ctx, "/Admin/UpdateCloudScript", body)
	if err != nil {
		return 0, err
	}
	var out struct {
		Revision int `json:"Revision"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("%w: decode revision: %v", ErrAPI, err)
	}
	return out.Revision, nil
}

func (c *Client) post(ctx context.Context, path string, body json.RawMessage) (json.RawMessage, error) {
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader(SecretKeyHeader, c.secret).
		SetBody([]byte(body)).
		Post(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, path, err)
	}
	raw := res.Bytes()
	if res.StatusCode() >= 300 {
		apiErr := &APIError{Code: res.StatusCode()}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.ErrorName == "" {
			apiErr.ErrorName = http.StatusText(res.StatusCode())
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: decode reply: %v", ErrAPI, path, err)
	}
	if len(env.Data) == 0 {
		return json.RawMessage(`null`), nil
	}
	return env.Data, nil
}

// HTTPRequest performs an arbitrary outbound call and returns the body.
func (c *Client) HTTPRequest(ctx context.Context, req HTTPRequest) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	r := c.http.R().SetContext(ctx)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if req.ContentType != "" {
		r.SetHeader("Content-Type", req.ContentType)
	}
	if req.Body != "" {
		r.SetBody(req.Body)
	}
	res, err := r.Execute(method, req.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %s %s: %v", ErrTransport, method, req.URL, err)
	}
	return res.String(), nil
}

// hopHeaders are not forwarded in either direction.
var hopHeaders = map[string]struct{}{
	"Host":              {},
	"Connection":        {},
	"Content-Length":    {},
	"Accept-Encoding":   {},
	"Content-Encoding":  {},
	"Transfer-Encoding": {},
	"Keep-Alive":        {},
	"Upgrade":           {},
}

// Forward relays a request unchanged to the backend and returns its reply.
func (c *Client) Forward(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (ForwardedResponse, error) {
	r := c.http.R().SetContext(ctx)
	for k, vs := range header {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	if len(body) > 0 {
		r.SetBody(body)
	}
	res, err := r.Execute(method, c.baseURL+pathAndQuery)
	if err != nil {
		return ForwardedResponse{}, fmt.Errorf("%w: forward %s %s: %v", ErrTransport, method, pathAndQuery, err)
	}
	out := ForwardedResponse{
		Status: res.StatusCode(),
		Header: make(http.Header),
		Body:   res.Bytes(),
	}
	for k, vs := range res.Header() {
		if _, skip := hopHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		out.Header[k] = append([]string(nil), vs...)
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.http.Close()
}
