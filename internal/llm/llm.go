package llm

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model    string
	Messages []Message
}

type Result struct {
	Text string
}

// Client is a chat-completions style language model client.
type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}
