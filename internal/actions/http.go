package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/dispatch/pkg/schema"
)

// HTTPConfig configures the http action.
type HTTPConfig struct {
	MaxResponseBody int64         `json:"max_response_body"`
	DefaultTimeout  time.Duration `json:"default_timeout"`
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPAction performs one HTTP request. Keys: url, method, headers, params
// (query string), payload or body, body_encoding (json|form|text|raw), auth,
// timeout, follow_redirects, tls_skip_verify and fail_on_error_status.
type HTTPAction struct {
	cfg HTTPConfig
}

// NewHTTPAction creates the http action.
func NewHTTPAction(cfg HTTPConfig) *HTTPAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPAction{cfg: cfg}
}

func (a *HTTPAction) Type() string { return "http" }

func (a *HTTPAction) Description() string {
	return "HTTP request with headers, query params, body encodings and auth"
}

func (a *HTTPAction) Validate(spec map[string]any) error {
	raw := stringParam(spec, "url", "")
	if raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "http: missing url")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", raw)
	}
	return nil
}

func (a *HTTPAction) Execute(ctx context.Context, input Input) (*Output, error) {
	spec := input.Spec
	if err := a.Validate(spec); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(spec, "method", http.MethodGet))
	target, err := withQuery(stringParam(spec, "url", ""), spec["params"])
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(spec)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, durationParam(spec, "timeout", a.cfg.DefaultTimeout))
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http: build request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(spec, "headers") {
		req.Header.Set(k, v)
	}
	applyAuth(req, spec["auth"])

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(spec, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}
	if !boolParam(spec, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http: %s %s: %v", method, target, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http: read response").WithCause(err)
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  resp.StatusCode,
		"headers":      headers,
		"body":         decodeBody(raw, resp.Header.Get("Content-Type")),
		"content_type": resp.Header.Get("Content-Type"),
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if resp.StatusCode >= 400 && boolParam(spec, "fail_on_error_status", true) {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http: %s %s returned %d", method, target, resp.StatusCode).
			WithDetails(result)
	}
	return &Output{Data: result}, nil
}

func withQuery(raw string, params any) (string, error) {
	m, ok := params.(map[string]any)
	if !ok || len(m) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", raw).WithCause(err)
	}
	q := u.Query()
	for k, v := range m {
		q.Set(k, fmt.Sprint(v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func encodeBody(spec map[string]any) (io.Reader, string, error) {
	payload, ok := spec["payload"]
	if !ok || payload == nil {
		payload, ok = spec["body"]
	}
	if !ok || payload == nil {
		return nil, "", nil
	}
	switch stringParam(spec, "body_encoding", "json") {
	case "form":
		m, _ := payload.(map[string]any)
		vals := url.Values{}
		for k, v := range m {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(payload)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(payload)), "", nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeValidation, "http: payload is not JSON serializable").WithCause(err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, raw any) {
	auth, ok := raw.(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
