// Integration tests for the context service gRPC server
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/convmemory/internal/clock"
	"github.com/nainya/convmemory/internal/logger"
	"github.com/nainya/convmemory/internal/metrics"
	"github.com/nainya/convmemory/pkg/contextdb"
	"github.com/nainya/convmemory/pkg/contextstore"
	"github.com/nainya/convmemory/pkg/conversation"
	"github.com/nainya/convmemory/pkg/enricher"
	"github.com/nainya/convmemory/pkg/summarizer"
)

const bufSize = 1024 * 1024

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	client  *ContextServiceClient
	store   *contextstore.Store
	clock   *clock.Fake
	metrics *metrics.Metrics
}

func setupTestServer(t *testing.T) testEnv {
	t.Helper()

	fc := clock.NewFake(t0)
	enr := enricher.New(enricher.DefaultConfig(), enricher.WithClock(fc))
	sum := summarizer.New(summarizer.DefaultConfig(), enr, summarizer.WithClock(fc))
	store := contextstore.New(contextstore.DefaultConfig(), contextdb.NewMemory(), enr, sum, contextstore.WithClock(fc))

	m := metrics.NewMetrics(prometheus.NewRegistry())
	log := logger.Nop()

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)))
	RegisterContextServiceServer(grpcServer, NewServer(store, log))

	go func() {
		// Serve returns once the server is stopped during cleanup
		_ = grpcServer.Serve(lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Failed to dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
	})

	return testEnv{
		client:  NewContextServiceClient(conn),
		store:   store,
		clock:   fc,
		metrics: m,
	}
}

func (e testEnv) seed(t *testing.T, sessionID string) conversation.ConversationContext {
	t.Helper()
	ctx := context.Background()

	cc, err := e.store.CreateContext(ctx, sessionID)
	if err != nil {
		t.Fatalf("CreateContext failed: %v", err)
	}
	exchanges := []struct{ q, a string }{
		{"What is the steel beam size?", "The steel beam is W12x26."},
		{"Where is the valve located?", "The valve is near grid B."},
	}
	for _, ex := range exchanges {
		e.clock.Advance(time.Minute)
		_, err := e.store.AddTurn(ctx, cc.ID,
			conversation.ProcessedQuery{OriginalText: ex.q},
			conversation.AnalysisResult{Summary: ex.a, Confidence: 0.9},
			false)
		if err != nil {
			t.Fatalf("AddTurn failed: %v", err)
		}
	}
	return cc
}

func request(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return req
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)

	resp, err := env.client.Health(context.Background(), &structpb.Struct{})
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if !resp.Fields["healthy"].GetBoolValue() {
		t.Error("Expected healthy=true")
	}
	if got := resp.Fields["version"].GetStringValue(); got != Version {
		t.Errorf("Expected version %s, got %s", Version, got)
	}

	var metric dto.Metric
	if err := env.metrics.GrpcRequestsTotal.WithLabelValues(MethodHealth, "success").Write(&metric); err != nil {
		t.Fatalf("Failed to read metric: %v", err)
	}
	if metric.GetCounter().GetValue() != 1 {
		t.Errorf("Expected 1 recorded request, got %v", metric.GetCounter().GetValue())
	}
}

func TestGetContext(t *testing.T) {
	env := setupTestServer(t)
	cc := env.seed(t, "session-1")
	ctx := context.Background()

	resp, err := env.client.GetContext(ctx, request(t, map[string]any{"sessionId": "session-1"}))
	if err != nil {
		t.Fatalf("GetContext failed: %v", err)
	}
	if got := resp.Fields["id"].GetStringValue(); got != cc.ID {
		t.Errorf("Expected context %s, got %s", cc.ID, got)
	}
	thread := resp.Fields["conversationThread"].GetListValue().GetValues()
	if len(thread) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(thread))
	}
	if n := thread[1].GetStructValue().Fields["turnNumber"].GetNumberValue(); n != 2 {
		t.Errorf("Expected turn number 2, got %v", n)
	}

	// Observers must not count as accesses
	stored, err := env.store.PeekContext(ctx, "session-1")
	if err != nil {
		t.Fatalf("PeekContext failed: %v", err)
	}
	if stored.Metadata.AccessCount != 0 {
		t.Errorf("Expected access count 0, got %d", stored.Metadata.AccessCount)
	}
}

func TestGetContextErrors(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	_, err := env.client.GetContext(ctx, &structpb.Struct{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}

	_, err = env.client.GetContext(ctx, request(t, map[string]any{"sessionId": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}

	_, err = env.client.DiagnoseContext(ctx, request(t, map[string]any{"sessionId": "missing"}))
	if status.Code(err) != codes.NotFound {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestGetRelevantContext(t *testing.T) {
	env := setupTestServer(t)
	env.seed(t, "session-1")
	ctx := context.Background()

	resp, err := env.client.GetRelevantContext(ctx, request(t, map[string]any{
		"sessionId": "session-1",
		"query":     "How deep is the steel beam?",
		"limit":     1,
	}))
	if err != nil {
		t.Fatalf("GetRelevantContext failed: %v", err)
	}
	scores := resp.Fields["scores"].GetListValue().GetValues()
	if len(scores) != 1 {
		t.Fatalf("Expected 1 score, got %d", len(scores))
	}
	if n := scores[0].GetStructValue().Fields["turnNumber"].GetNumberValue(); n != 1 {
		t.Errorf("Expected the beam turn first, got turn %v", n)
	}

	_, err = env.client.GetRelevantContext(ctx, request(t, map[string]any{"sessionId": "session-1"}))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Expected InvalidArgument for empty query, got %v", err)
	}

	resp, err = env.client.GetRelevantContext(ctx, request(t, map[string]any{
		"sessionId": "unknown",
		"query":     "steel beam",
	}))
	if err != nil {
		t.Fatalf("GetRelevantContext on unknown session failed: %v", err)
	}
	if n := len(resp.Fields["scores"].GetListValue().GetValues()); n != 0 {
		t.Errorf("Expected no scores, got %d", n)
	}
}

func TestDiagnoseContext(t *testing.T) {
	env := setupTestServer(t)
	env.seed(t, "session-1")

	resp, err := env.client.DiagnoseContext(context.Background(), request(t, map[string]any{"sessionId": "session-1"}))
	if err != nil {
		t.Fatalf("DiagnoseContext failed: %v", err)
	}
	validation := resp.Fields["validation"].GetStructValue()
	if !validation.Fields["isValid"].GetBoolValue() {
		t.Errorf("Expected a valid context, got %v", validation)
	}
	if n := len(resp.Fields["turnScores"].GetListValue().GetValues()); n != 2 {
		t.Errorf("Expected 2 turn scores, got %d", n)
	}
}

func TestMemoryUsageAndMaintenance(t *testing.T) {
	env := setupTestServer(t)
	env.seed(t, "session-1")
	ctx := context.Background()

	resp, err := env.client.MemoryUsage(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("MemoryUsage failed: %v", err)
	}
	if n := resp.Fields["totalContexts"].GetNumberValue(); n != 1 {
		t.Errorf("Expected 1 context, got %v", n)
	}
	if n := resp.Fields["totalTurns"].GetNumberValue(); n != 2 {
		t.Errorf("Expected 2 turns, got %v", n)
	}

	env.clock.Advance(25 * time.Hour)
	resp, err = env.client.RunMaintenance(ctx, &structpb.Struct{})
	if err != nil {
		t.Fatalf("RunMaintenance failed: %v", err)
	}
	if n := resp.Fields["expiredContexts"].GetNumberValue(); n != 1 {
		t.Errorf("Expected 1 expired context, got %v", n)
	}

	sessions, err := env.store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("Expected no sessions after maintenance, got %v", sessions)
	}
}

func TestObservabilityEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	m.RecordTurnAppended()

	readyErr := errors.New("backend unreachable")
	obs := NewObservabilityServer(0, reg, func(context.Context) error { return readyErr }, logger.Nop())

	get := func(path string) (int, string) {
		rec := httptest.NewRecorder()
		obs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		body, _ := io.ReadAll(rec.Result().Body)
		return rec.Code, string(body)
	}

	code, body := get("/health")
	if code != http.StatusOK || !strings.Contains(body, "convmemory") {
		t.Errorf("Unexpected /health response %d %s", code, body)
	}

	code, body = get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "convmemory_turns_appended_total 1") {
		t.Errorf("Unexpected /metrics response %d", code)
	}

	code, body = get("/ready")
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "backend unreachable") {
		t.Errorf("Unexpected /ready response %d %s", code, body)
	}

	readyErr = nil
	code, _ = get("/ready")
	if code != http.StatusOK {
		t.Errorf("Expected /ready 200, got %d", code)
	}
}
