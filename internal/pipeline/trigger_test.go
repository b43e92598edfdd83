package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leadsheet/internal/llm"
	"leadsheet/internal/model"
)

type fakeClassifier struct {
	answer string
	err    error
	calls  int
}

func (f *fakeClassifier) Chat(_ context.Context, _ llm.Request) (llm.Result, error) {
	f.calls++
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.answer}, nil
}

func destWithPolicy(policy model.TriggerPolicy, keywords ...string) model.Destination {
	return model.Destination{
		ID:               "dest-1",
		TriggerPolicy:    policy,
		InterestKeywords: keywords,
	}
}

func TestShouldProcessFirstContactAlwaysProceeds(t *testing.T) {
	e := NewTriggerEvaluator(nil, "", zap.NewNop())
	proceed, reason, err := e.ShouldProcess(context.Background(), destWithPolicy(model.TriggerFirstContact), "hello")
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.Empty(t, reason)
}

func TestShouldProcessManualNeverProceeds(t *testing.T) {
	classifier := &fakeClassifier{answer: "yes"}
	e := NewTriggerEvaluator(classifier, "mini", zap.NewNop())

	proceed, reason, err := e.ShouldProcess(context.Background(), destWithPolicy(model.TriggerManual), "I want to buy everything")
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, "manual trigger", reason)
	assert.Zero(t, classifier.calls)
}

func TestShouldProcessInterestKeywordMatch(t *testing.T) {
	e := NewTriggerEvaluator(nil, "", zap.NewNop())
	dest := destWithPolicy(model.TriggerDetectedInterest, "price", "Buy")

	proceed, _, err := e.ShouldProcess(context.Background(), dest, "What is the PRICE of the sofa?")
	require.NoError(t, err)
	assert.True(t, proceed, "keyword match is case-insensitive")

	proceed, reason, err := e.ShouldProcess(context.Background(), dest, "just saying hi")
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, "interest not detected", reason)
}

func TestShouldProcessInterestEmptyMessage(t *testing.T) {
	e := NewTriggerEvaluator(nil, "", zap.NewNop())
	proceed, reason, err := e.ShouldProcess(context.Background(), destWithPolicy(model.TriggerDetectedInterest, "price"), "   ")
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, "empty message", reason)
}

func TestShouldProcessInterestClassifierPath(t *testing.T) {
	classifier := &fakeClassifier{answer: "Yes."}
	e := NewTriggerEvaluator(classifier, "mini", zap.NewNop())

	proceed, _, err := e.ShouldProcess(context.Background(), destWithPolicy(model.TriggerDetectedInterest), "I'd like to book a demo")
	require.NoError(t, err)
	assert.True(t, proceed)
	assert.Equal(t, 1, classifier.calls)

	classifier.answer = "no"
	proceed, reason, err := e.ShouldProcess(context.Background(), destWithPolicy(model.TriggerDetectedInterest), "weather is nice")
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, "interest not detected", reason)
}

func TestShouldProcessInterestClassifierFailure(t *testing.T) {
	classifier := &fakeClassifier{err: errors.New("llm down")}
	e := NewTriggerEvaluator(classifier, "mini", zap.NewNop())

	_, _, err := e.ShouldProcess(context.Background(), destWithPolicy(model.TriggerDetectedInterest), "interested")
	assert.Error(t, err)
}

func TestShouldProcessInterestNoClassifierConfigured(t *testing.T) {
	e := NewTriggerEvaluator(nil, "", zap.NewNop())
	proceed, reason, err := e.ShouldProcess(context.Background(), destWithPolicy(model.TriggerDetectedInterest), "interested")
	require.NoError(t, err)
	assert.False(t, proceed)
	assert.Equal(t, "interest not detected", reason)
}
