package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type scriptedClient struct {
	errs  []error
	calls int
}

func (c *scriptedClient) Chat(ctx context.Context, req Request) (Response, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) {
		return Response{}, c.errs[i]
	}
	return Response{Content: "ok"}, nil
}

func TestChatWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("connection reset"), errors.New("timeout")}}
	resp, err := ChatWithRetry(t.Context(), client, Request{}, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Equal(t, 3, client.calls)
}

func TestChatWithRetryStopsImmediatelyOnFatalError(t *testing.T) {
	client := &scriptedClient{errs: []error{errors.New("401 unauthorized: invalid api key")}}
	_, err := ChatWithRetry(t.Context(), client, Request{}, nil)
	require.Error(t, err)
	require.Equal(t, 1, client.calls)
}

func TestDefaultClassifierBuckets(t *testing.T) {
	require.Equal(t, ClassFatal, DefaultClassifier(errors.New("403 Forbidden")))
	require.Equal(t, ClassFatal, DefaultClassifier(errors.New("CUDA out of memory")))
	require.Equal(t, ClassRateLimited, DefaultClassifier(errors.New("429 Too Many Requests")))
	require.Equal(t, ClassTransient, DefaultClassifier(errors.New("connection reset by peer")))
}

func TestEstimatedCostUSD(t *testing.T) {
	cost := EstimatedCostUSD(Usage{PromptTokens: 1000, CompletionTokens: 500}, 0.003, 0.015)
	require.InDelta(t, 0.003+0.0075, cost, 1e-9)
}
