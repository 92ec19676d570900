package steps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/eventflow/internal/expressions"
	"github.com/rendis/eventflow/internal/fields"
	"github.com/rendis/eventflow/pkg/schema"
)

// WebhookConfig configures the action.webhook step.
type WebhookConfig struct {
	Client          *http.Client
	DefaultTimeout  time.Duration
	MaxResponseBody int64
}

const (
	defaultWebhookTimeout  = 30 * time.Second
	defaultMaxResponseBody = 1 << 20
)

const webhookActionSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"], "default": "POST"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {"type": "string"},
    "escape": {"type": "string", "enum": ["none", "json", "url"], "default": "none"},
    "timeout": {"type": "string"}
  },
  "required": ["url"],
  "additionalProperties": false
}`

// webhookAction sends an HTTP request whose url, headers and body are
// templates rendered against the namespace.
type webhookAction struct {
	cfg     WebhookConfig
	url     string
	method  string
	headers map[string]string
	body    string
	escape  expressions.Transform
	timeout time.Duration
}

func webhookActionRegistration(cfg WebhookConfig) Registration {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultWebhookTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return Registration{
		Class:        "action.webhook",
		Kind:         schema.StepTypeAction,
		Description:  "Send an HTTP request built from templates over the namespace.",
		ConfigSchema: webhookActionSchema,
		New: func(config json.RawMessage) (Step, error) {
			var raw struct {
				URL     string            `json:"url"`
				Method  string            `json:"method"`
				Headers map[string]string `json:"headers"`
				Body    string            `json:"body"`
				Escape  string            `json:"escape"`
				Timeout string            `json:"timeout"`
			}
			if err := decodeConfig(config, &raw); err != nil {
				return nil, err
			}
			s := &webhookAction{
				cfg:     cfg,
				url:     raw.URL,
				method:  strings.ToUpper(raw.Method),
				headers: raw.Headers,
				body:    raw.Body,
				escape:  escapeTransform(raw.Escape),
				timeout: cfg.DefaultTimeout,
			}
			if s.method == "" {
				s.method = http.MethodPost
			}
			if raw.Timeout != "" {
				d, err := time.ParseDuration(raw.Timeout)
				if err != nil || d <= 0 {
					return nil, schema.NewErrorf(schema.ErrCodeConfigParse, "invalid timeout %q", raw.Timeout)
				}
				s.timeout = d
			}
			return s, nil
		},
	}
}

func (s *webhookAction) Execute(ctx context.Context, _ *RunContext, ns fields.Namespace) (*Outcome, error) {
	target := expressions.Render(s.url, ns, queryEscape)
	u, err := url.ParseRequestURI(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "webhook: invalid url %q", target)
	}

	var body io.Reader
	if s.body != "" {
		body = strings.NewReader(expressions.Render(s.body, ns, s.escape))
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, s.method, target, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "webhook: failed to create request").WithCause(err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, expressions.Render(v, ns, nil))
	}

	start := time.Now()
	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, s.cfg.MaxResponseBody))

	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "webhook: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "url": target})
	}
	return Proceed(map[string]any{
		"webhook_status":      resp.StatusCode,
		"webhook_duration_ms": time.Since(start).Milliseconds(),
	}), nil
}

func (s *webhookAction) Fields() ([]FieldDescriptor, error) {
	return []FieldDescriptor{
		{Name: "webhook_status", Type: "int", Description: "HTTP status code of the webhook response"},
		{Name: "webhook_duration_ms", Type: "int", Description: "round trip time in milliseconds"},
	}, nil
}

func queryEscape(v any, _ string) string {
	return url.QueryEscape(fields.Stringify(v))
}

func escapeTransform(mode string) expressions.Transform {
	switch mode {
	case "url":
		return queryEscape
	case "json":
		return func(v any, _ string) string {
			b, err := json.Marshal(fields.Stringify(v))
			if err != nil {
				return ""
			}
			// Strip the surrounding quotes; the template supplies its own.
			return string(b[1 : len(b)-1])
		}
	default:
		return nil
	}
}

