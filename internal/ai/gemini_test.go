package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/ordo/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// geminiBody wraps a decision JSON into the API response envelope.
func geminiBody(decisionJSON string) string {
	b, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": decisionJSON}}}},
		},
	})
	return string(b)
}

func newGeminiTest(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewGeminiClient("gemini-test", "test-key", 2*time.Second, testLogger(), WithBaseURL(srv.URL))
	require.NoError(t, err)
	return c
}

func TestGemini_DetermineFirstStep(t *testing.T) {
	var gotPath string
	var gotReq geminiRequest
	c := newGeminiTest(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, geminiBody(`{"next_step_name": "greet", "updated_context": []}`))
	})

	d, err := c.DetermineFirstStep(context.Background(), "BLOB", greetSteps)
	require.NoError(t, err)
	assert.Equal(t, "greet", d.NextStepName)
	assert.Equal(t, "/v1beta/models/gemini-test:generateContent", gotPath)
	assert.Equal(t, "application/json", gotReq.GenerationConfig.ResponseMimeType)
	require.Len(t, gotReq.Contents, 1)
	assert.Contains(t, gotReq.Contents[0].Parts[0].Text, "BLOB")
}

func TestGemini_RetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	c := newGeminiTest(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, geminiBody(`{"next_step_name": "farewell"}`))
	})

	d, err := c.DetermineNextStep(context.Background(), "BLOB", greetSteps,
		&schema.WorkflowInstance{CurrentStepName: "greet"}, &schema.Report{Status: "success"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "farewell", d.NextStepName)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGemini_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	c := newGeminiTest(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := c.DetermineFirstStep(context.Background(), "BLOB", greetSteps)
	require.Error(t, err)
	var oe *schema.OrdoError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeAIAPI, oe.Code)
	assert.Equal(t, 400, oe.Details["status_code"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestGemini_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	c, err := NewGeminiClient("gemini-test", "test-key", 50*time.Millisecond, testLogger(), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.DetermineFirstStep(context.Background(), "BLOB", greetSteps)
	require.Error(t, err)
	var oe *schema.OrdoError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeAITimeout, oe.Code)
}

func TestGemini_SafetyBlock(t *testing.T) {
	c := newGeminiTest(t, func(w http.ResponseWriter, _ *http.Request) {
		b, _ := json.Marshal(map[string]any{
			"candidates":     []any{},
			"promptFeedback": map[string]any{"blockReason": "SAFETY"},
		})
		w.Write(b)
	})

	_, err := c.DetermineFirstStep(context.Background(), "BLOB", greetSteps)
	require.Error(t, err)
	var oe *schema.OrdoError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeAISafety, oe.Code)
}

func TestGemini_InvalidDecisionNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newGeminiTest(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, geminiBody(`{"next_step_name": "not_a_real_step"}`))
	})

	_, err := c.DetermineFirstStep(context.Background(), "BLOB", greetSteps)
	require.Error(t, err)
	var oe *schema.OrdoError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, schema.ErrCodeAIInvalidResponse, oe.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStub_Defaults(t *testing.T) {
	stub := NewStubClient()
	ctx := context.Background()

	first, err := stub.DetermineFirstStep(ctx, "BLOB", greetSteps)
	require.NoError(t, err)
	assert.Equal(t, "greet", first.NextStepName)

	next, err := stub.DetermineNextStep(ctx, "BLOB", greetSteps,
		&schema.WorkflowInstance{CurrentStepName: "greet"}, &schema.Report{Status: "success"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "farewell", next.NextStepName)

	last, err := stub.DetermineNextStep(ctx, "BLOB", greetSteps,
		&schema.WorkflowInstance{CurrentStepName: "farewell"}, &schema.Report{Status: "success"}, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StepFinish, last.NextStepName)
}

func TestStub_ScriptedAndFailNext(t *testing.T) {
	stub := NewStubClient().
		Script(IntentReconcile, "stepA", &schema.AIDecision{NextStepName: "farewell"}).
		FailNext(schema.NewError(schema.ErrCodeAITimeout, "scripted timeout"))
	ctx := context.Background()

	_, err := stub.ReconcileAndDetermineNextStep(ctx, "BLOB", greetSteps,
		&schema.WorkflowInstance{CurrentStepName: "greet"}, "stepA", &schema.Report{Status: "resuming"}, nil)
	require.Error(t, err)

	d, err := stub.ReconcileAndDetermineNextStep(ctx, "BLOB", greetSteps,
		&schema.WorkflowInstance{CurrentStepName: "greet"}, "stepA", &schema.Report{Status: "resuming"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "farewell", d.NextStepName)
	assert.Equal(t, 2, stub.Calls())
}
