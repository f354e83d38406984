package models

import (
	"encoding/json"
	"time"
)

// Tool identifies an image operation offered to users
type Tool string

const (
	ToolTextToImage      Tool = "text-to-image"
	ToolBackgroundRemove Tool = "background-remove"
	ToolUpscale          Tool = "upscale"
	ToolExpand           Tool = "expand"
	ToolPromptEdit       Tool = "prompt-edit"
	ToolGenerativeFill   Tool = "generative-fill"
	ToolObjectRemove     Tool = "object-remove"
	ToolBackgroundAI     Tool = "background-ai"
	ToolBatchProcessing  Tool = "batch-processing"
)

// toolCosts is the single source of truth for what each tool charges
var toolCosts = map[Tool]int64{
	ToolTextToImage:      2,
	ToolBackgroundRemove: 1,
	ToolUpscale:          2,
	ToolExpand:           3,
	ToolPromptEdit:       2,
	ToolGenerativeFill:   2,
	ToolObjectRemove:     2,
	ToolBackgroundAI:     2,
	ToolBatchProcessing:  5,
}

// Older client builds still send these names.
var toolAliases = map[string]Tool{
	"generate":          ToolTextToImage,
	"remove-background": ToolBackgroundRemove,
	"batch":             ToolBatchProcessing,
}

// ParseTool resolves a tool name or alias. It fails with ErrUnknownTool.
func ParseTool(name string) (Tool, error) {
	if alias, ok := toolAliases[name]; ok {
		return alias, nil
	}
	t := Tool(name)
	if _, ok := toolCosts[t]; !ok {
		return "", ErrUnknownTool
	}
	return t, nil
}

// ToolCost returns the credit cost of a tool
func ToolCost(t Tool) (int64, bool) {
	cost, ok := toolCosts[t]
	return cost, ok
}

// Tools lists every known tool with its cost
func Tools() map[Tool]int64 {
	out := make(map[Tool]int64, len(toolCosts))
	for t, c := range toolCosts {
		out[t] = c
	}
	return out
}

// JobState is the lifecycle of a job. Transitions only go from processing to
// one of the terminal states.
type JobState string

const (
	JobProcessing JobState = "processing"
	JobSuccess    JobState = "success"
	JobFailed     JobState = "failed"
)

// Terminal reports whether s is success or failed
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// Job is one tool invocation. Cost is fixed at creation.
type Job struct {
	ID             string     `json:"id" db:"id"`
	AccountID      string     `json:"accountId" db:"account_id"`
	Tool           Tool       `json:"tool" db:"tool"`
	Cost           int64      `json:"cost" db:"cost"`
	State          JobState   `json:"state" db:"state"`
	Params         Params     `json:"params" db:"params"`
	InputRef       string     `json:"inputRef,omitempty" db:"input_ref"`
	OutputRef      *string    `json:"outputRef,omitempty" db:"output_ref"`
	ProviderHandle *string    `json:"providerHandle,omitempty" db:"provider_handle"`
	FailureReason  *string    `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	CompletedAt    *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// UnmarshalJSON decodes the params union using the job's tool as the tag
func (j *Job) UnmarshalJSON(data []byte) error {
	type jobAlias Job
	aux := struct {
		*jobAlias
		Params json.RawMessage `json:"params"`
	}{jobAlias: (*jobAlias)(j)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Params) == 0 || string(aux.Params) == "null" {
		return nil
	}
	params, err := UnmarshalParams(j.Tool, aux.Params)
	if err != nil {
		return err
	}
	j.Params = params
	return nil
}

// OutcomeStatus is what the provider reports for a dispatched job
type OutcomeStatus string

const (
	OutcomePending OutcomeStatus = "pending"
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeFailure OutcomeStatus = "failure"
)

// Outcome is the provider's answer to a poll or a push callback
type Outcome struct {
	Status    OutcomeStatus `json:"status"`
	OutputRef string        `json:"outputRef,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

func Pending() Outcome {
	return Outcome{Status: OutcomePending}
}

func Succeeded(outputRef string) Outcome {
	return Outcome{Status: OutcomeSuccess, OutputRef: outputRef}
}

func Failed(reason string) Outcome {
	return Outcome{Status: OutcomeFailure, Reason: reason}
}

// TargetState maps a terminal outcome to the job state it produces
func (o Outcome) TargetState() JobState {
	switch o.Status {
	case OutcomeSuccess:
		return JobSuccess
	case OutcomeFailure:
		return JobFailed
	}
	return JobProcessing
}
