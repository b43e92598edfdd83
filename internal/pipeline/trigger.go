package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"leadsheet/internal/llm"
	"leadsheet/internal/model"
)

// TriggerEvaluator decides, per destination config, whether a message
// should produce extraction and reconciliation.
type TriggerEvaluator struct {
	classifier      llm.Client // optional, used when a destination has no keywords
	classifierModel string
	logger          *zap.Logger
}

func NewTriggerEvaluator(classifier llm.Client, classifierModel string, logger *zap.Logger) *TriggerEvaluator {
	return &TriggerEvaluator{
		classifier:      classifier,
		classifierModel: classifierModel,
		logger:          logger,
	}
}

// ShouldProcess returns (true, "", nil) to proceed, or (false, reason, nil)
// for a skip that still gets terminally marked. An error means the interest
// check itself failed and the config's outcome is an error.
func (e *TriggerEvaluator) ShouldProcess(ctx context.Context, dest model.Destination, text string) (bool, string, error) {
	switch dest.TriggerPolicy {
	case model.TriggerManual:
		return false, "manual trigger", nil
	case model.TriggerDetectedInterest:
		if strings.TrimSpace(text) == "" {
			return false, "empty message", nil
		}
		detected, err := e.interestDetected(ctx, dest, text)
		if err != nil {
			return false, "", err
		}
		if !detected {
			return false, "interest not detected", nil
		}
		return true, "", nil
	default:
		// on-first-contact; append-vs-update is decided later by row lookup.
		return true, "", nil
	}
}

func (e *TriggerEvaluator) interestDetected(ctx context.Context, dest model.Destination, text string) (bool, error) {
	if len(dest.InterestKeywords) > 0 {
		lower := strings.ToLower(text)
		for _, kw := range dest.InterestKeywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return true, nil
			}
		}
		return false, nil
	}
	if e.classifier == nil {
		return false, nil
	}
	return e.classify(ctx, text)
}

// classify is the lightweight classifier path for destinations that
// configure interest detection without keywords.
func (e *TriggerEvaluator) classify(ctx context.Context, text string) (bool, error) {
	res, err := e.classifier.Chat(ctx, llm.Request{
		Model: e.classifierModel,
		Messages: []llm.Message{
			{Role: "system", Content: "Does the user's message express interest in buying or booking a product or service? Answer with exactly one word: yes or no."},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(res.Text))
	return strings.HasPrefix(answer, "yes"), nil
}
