package tools

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM   string `json:"for_llm"`            // content sent back to the model
	ForUser  string `json:"for_user,omitempty"` // content shown to the user
	IsError  bool   `json:"is_error"`
	Category string `json:"category,omitempty"` // error category when IsError
	Err      error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message, category string) *Result {
	return &Result{ForLLM: message, IsError: true, Category: category}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
