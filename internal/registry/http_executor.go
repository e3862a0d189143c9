package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/resilience"
	"github.com/swarmguard/taskengine/internal/taskerrors"
)

// HTTPExecutor is the built-in task_action "http". It is grounded on the
// teacher's HTTPTaskExecutor in task_executor.go: connection-pooled
// client, templated URL/body, trace propagation via
// otel.GetTextMapPropagator. Outbound calls are throttled by a shared
// rate limiter so one misconfigured task can't hammer a downstream
// service every time its schedule fires.
type HTTPExecutor struct {
	client  *http.Client
	tracer  trace.Tracer
	limiter *resilience.RateLimiter
}

// NewHTTPExecutor constructs an HTTPExecutor. A nil client gets a
// connection-pooled default matching the teacher's tuning. The limiter
// defaults to 20 requests/sec with a 40-token burst.
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPExecutor{
		client:  client,
		tracer:  otel.Tracer("taskengine-registry-http"),
		limiter: resilience.NewRateLimiter(40, 20, time.Second, 0),
	}
}

type httpInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

var templateVar = regexp.MustCompile(`\{\{\s*env\.([A-Za-z0-9_]+)\s*\}\}`)

// resolveTemplate expands `{{env.NAME}}` placeholders from vars; Execute
// supplies only EXECUTION_ID from the execution context. The http executor
// has no sibling-task context the way the teacher's workflow templates
// did, so only environment-style substitution is offered here.
func resolveTemplate(s string, vars map[string]string) string {
	return templateVar.ReplaceAllStringFunc(s, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Execute implements Executor for task_action "http".
func (h *HTTPExecutor) Execute(ctx context.Context, configJSON string, progress ProgressFunc) (Result, error) {
	var in httpInput
	if err := json.Unmarshal([]byte(configJSON), &in); err != nil {
		return Result{}, taskerrors.Wrap(taskerrors.ErrValidation, "invalid http config", err)
	}
	if in.URL == "" {
		return Result{}, taskerrors.Wrap(taskerrors.ErrValidation, "http action requires url", fmt.Errorf("empty url"))
	}

	ctx, span := h.tracer.Start(ctx, "registry.http.execute", trace.WithAttributes(attribute.String("url", in.URL)))
	defer span.End()

	if !h.limiter.Allow() {
		return Result{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "http action rate limit exceeded", fmt.Errorf("throttled"))
	}

	method := in.Method
	if method == "" {
		method = http.MethodGet
	}

	vars := map[string]string{"EXECUTION_ID": executionIDFromContext(ctx)}
	url := resolveTemplate(in.URL, vars)

	var bodyReader io.Reader
	if len(in.Body) > 0 {
		bodyReader = strings.NewReader(resolveTemplate(string(in.Body), vars))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return Result{}, taskerrors.Wrap(taskerrors.ErrValidation, "build http request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, taskerrors.Wrap(taskerrors.ErrInfrastructure, "http request failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	success := resp.StatusCode >= 200 && resp.StatusCode < 300

	output, _ := json.Marshal(map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	})

	code := resp.StatusCode
	return Result{
		Success:  success,
		ExitCode: &code,
		Message:  fmt.Sprintf("http %s %s -> %d", method, url, resp.StatusCode),
		Output:   output,
	}, nil
}
