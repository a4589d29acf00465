package xgate

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/trace"
)

// Problem RFC 7807 错误响应体。
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	ErrorCode string `json:"errorCode"`
	Reason    string `json:"reason"`
	// RetryAfterSeconds 封禁拒绝时与 Retry-After 头同值，限流拒绝不带。
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	TraceID           string `json:"traceId"`
}

// writeProblem 输出 problem+json 响应。retryAfter > 0 时附带
// Retry-After 头。
func writeProblem(w http.ResponseWriter, p Problem, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// traceID 取当前 span 的 trace ID；无有效 span 时退到请求关联 ID。
func traceID(ctx context.Context, correlation string) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return correlation
}
