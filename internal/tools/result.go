package tools

import "github.com/openclaw/gateway/internal/providers"

// Result is what every tool execution returns, whatever the tool.
type Result struct {
	ForLLM  string `json:"for_llm"`             // fed back into the model conversation
	ForUser string `json:"for_user,omitempty"`  // shown to the user directly
	Silent  bool   `json:"silent"`              // suppress the user-facing message
	IsError bool   `json:"is_error"`
	Async   bool   `json:"async"` // work continues after this result
	Err     error  `json:"-"`

	// Tools that make their own model calls (read_image, create_image)
	// report that usage here so the engine can put it on the tool span.
	Usage    *providers.Usage `json:"-"`
	Provider string           `json:"-"`
	Model    string           `json:"-"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
