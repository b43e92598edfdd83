package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"leadsheet/internal/errs"
	"leadsheet/internal/llm"
	"leadsheet/internal/model"
	"leadsheet/pkg/metrics"
	"leadsheet/pkg/retry"
)

// Sentinel is the canonical placeholder for a field the model could not
// resolve. Downstream fallbacks key off it during row assembly.
const Sentinel = "N/A"

// Extractor pulls structured fields out of free-form message text via a
// language model. A transient failure on the primary model gets exactly one
// retry against the fallback model; any other failure is fatal for the
// destination config being processed.
type Extractor struct {
	client        llm.Client
	primaryModel  string
	fallbackModel string
	logger        *zap.Logger
}

func New(client llm.Client, primaryModel, fallbackModel string, logger *zap.Logger) *Extractor {
	return &Extractor{
		client:        client,
		primaryModel:  primaryModel,
		fallbackModel: fallbackModel,
		logger:        logger,
	}
}

// Extract returns a value for every column ID in cols, using Sentinel where
// nothing could be resolved. The only error it returns is a fatal upstream
// call failure; parse problems degrade to heuristics, never to errors.
func (x *Extractor) Extract(ctx context.Context, text string, cols []model.ColumnSpec) (map[string]string, error) {
	fields := make(map[string]string, len(cols))
	if strings.TrimSpace(text) == "" {
		for _, c := range cols {
			fields[c.ID] = Sentinel
		}
		return fields, nil
	}

	policy := retry.Policy{
		Steps: []retry.Step{
			{Label: x.primaryModel, MaxAttempts: 1},
			{Label: x.fallbackModel, MaxAttempts: 1},
		},
		Retryable: errs.IsTransient,
	}

	var raw string
	err := policy.Run(ctx, func(ctx context.Context, modelName string) error {
		start := time.Now()
		res, err := x.client.Chat(ctx, llm.Request{
			Model: modelName,
			Messages: []llm.Message{
				{Role: "system", Content: buildInstructions(cols)},
				{Role: "user", Content: text},
			},
		})
		status := "success"
		if err != nil {
			status = "error"
		}
		metrics.RecordExtractionLatency(modelName, status, time.Since(start))
		if err != nil {
			x.logger.Warn("extraction call failed",
				zap.String("model", modelName),
				zap.Error(err),
			)
			return err
		}
		raw = res.Text
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	parsed := parseFields(raw, cols)
	for _, c := range cols {
		v := strings.TrimSpace(parsed[c.ID])
		if v == "" {
			v = Sentinel
		}
		fields[c.ID] = v
	}
	return fields, nil
}

var defaultPrompts = map[model.SemanticType]string{
	model.SemanticName:    "The sender's personal name, exactly as stated.",
	model.SemanticPhone:   "The sender's phone number, digits and leading + only.",
	model.SemanticDate:    "The most relevant date or time mentioned.",
	model.SemanticProduct: "The product or service the sender is asking about.",
	model.SemanticInquiry: "A one-sentence summary of what the sender wants.",
	model.SemanticText:    "The most relevant short answer from the message.",
	model.SemanticCustom:  "The most relevant short answer from the message.",
}

// buildInstructions combines all column prompts into one system instruction
// requesting a single JSON object keyed by field ID.
func buildInstructions(cols []model.ColumnSpec) string {
	var b strings.Builder
	b.WriteString("You extract structured CRM fields from a chat message.\n")
	b.WriteString("Respond with a single JSON object and nothing else.\n")
	b.WriteString("Use exactly these keys:\n")
	for _, c := range cols {
		prompt := strings.TrimSpace(c.Prompt)
		if prompt == "" {
			prompt = defaultPrompts[c.Type]
		}
		fmt.Fprintf(&b, "- %q (%s): %s\n", c.ID, c.DisplayName, prompt)
	}
	fmt.Fprintf(&b, "If a value cannot be determined from the message, use %q.\n", Sentinel)
	return b.String()
}

// parseFields first looks for a JSON object substring in the model output;
// when none decodes, it falls back to line-oriented "key: value" pairs
// matched against known field IDs and display names. It never fails.
func parseFields(raw string, cols []model.ColumnSpec) map[string]string {
	if m := parseJSONObject(raw); m != nil {
		out := make(map[string]string, len(cols))
		for _, c := range cols {
			if v, ok := m[c.ID]; ok {
				out[c.ID] = stringify(v)
			}
		}
		return out
	}
	return parseKeyValueLines(raw, cols)
}

func parseJSONObject(raw string) map[string]any {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &m); err != nil {
		return nil
	}
	return m
}

func parseKeyValueLines(raw string, cols []model.ColumnSpec) map[string]string {
	byKey := make(map[string]string, len(cols)*2)
	for _, c := range cols {
		byKey[strings.ToLower(c.ID)] = c.ID
		if c.DisplayName != "" {
			byKey[strings.ToLower(c.DisplayName)] = c.ID
		}
	}

	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.Trim(key, " \t*-\"'`"))
		id, known := byKey[key]
		if !known {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), "\"'`,")
		if value != "" {
			out[id] = value
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case bool:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
