package engine

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries sampling parameters. Zero fields keep model defaults.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// PullProgress reports download progress for a model pull.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
