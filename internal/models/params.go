package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrInvalidParams = errors.New("invalid params")
)

var paramsValidator = newParamsValidator()

func newParamsValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(JSONFieldName)
	return v
}

// JSONFieldName names a struct field by its json tag so validation errors
// match what clients send
func JSONFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return fld.Name
	}
	return name
}

// Params is the tool-specific input of a job. Each tool has exactly one
// concrete params type.
type Params interface {
	Tool() Tool
}

type TextToImageParams struct {
	Prompt         string `json:"prompt" validate:"required,max=2000"`
	NegativePrompt string `json:"negativePrompt,omitempty" validate:"max=2000"`
	AspectRatio    string `json:"aspectRatio,omitempty" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
}

type BackgroundRemoveParams struct {
	ImageRef string `json:"imageRef" validate:"required"`
}

type UpscaleParams struct {
	ImageRef string `json:"imageRef" validate:"required"`
	Scale    int    `json:"scale,omitempty" validate:"omitempty,oneof=2 4"`
}

type ExpandParams struct {
	ImageRef  string  `json:"imageRef" validate:"required"`
	Direction string  `json:"direction,omitempty" validate:"omitempty,oneof=all left right top bottom"`
	Amount    float64 `json:"amount,omitempty" validate:"omitempty,gt=0,lte=2"`
}

type PromptEditParams struct {
	ImageRef string `json:"imageRef" validate:"required"`
	Prompt   string `json:"prompt" validate:"required,max=2000"`
}

type GenerativeFillParams struct {
	ImageRef string `json:"imageRef" validate:"required"`
	MaskRef  string `json:"maskRef" validate:"required"`
	Prompt   string `json:"prompt" validate:"required,max=2000"`
}

type ObjectRemoveParams struct {
	ImageRef string `json:"imageRef" validate:"required"`
	MaskRef  string `json:"maskRef" validate:"required"`
}

type BackgroundAIParams struct {
	ImageRef string `json:"imageRef" validate:"required"`
	Prompt   string `json:"prompt" validate:"required,max=2000"`
}

// BatchParams applies one single-image operation to several images. The
// batch is charged once at the batch-processing rate.
type BatchParams struct {
	ImageRefs []string `json:"imageRefs" validate:"required,min=1,max=20,dive,required"`
	Operation Tool     `json:"operation" validate:"required"`
}

func (TextToImageParams) Tool() Tool      { return ToolTextToImage }
func (BackgroundRemoveParams) Tool() Tool { return ToolBackgroundRemove }
func (UpscaleParams) Tool() Tool          { return ToolUpscale }
func (ExpandParams) Tool() Tool           { return ToolExpand }
func (PromptEditParams) Tool() Tool       { return ToolPromptEdit }
func (GenerativeFillParams) Tool() Tool   { return ToolGenerativeFill }
func (ObjectRemoveParams) Tool() Tool     { return ToolObjectRemove }
func (BackgroundAIParams) Tool() Tool     { return ToolBackgroundAI }
func (BatchParams) Tool() Tool            { return ToolBatchProcessing }

// batchable operations take a single input image and no prompt
var batchable = map[Tool]bool{
	ToolBackgroundRemove: true,
	ToolUpscale:          true,
}

func newParams(t Tool) (Params, error) {
	switch t {
	case ToolTextToImage:
		return &TextToImageParams{}, nil
	case ToolBackgroundRemove:
		return &BackgroundRemoveParams{}, nil
	case ToolUpscale:
		return &UpscaleParams{}, nil
	case ToolExpand:
		return &ExpandParams{}, nil
	case ToolPromptEdit:
		return &PromptEditParams{}, nil
	case ToolGenerativeFill:
		return &GenerativeFillParams{}, nil
	case ToolObjectRemove:
		return &ObjectRemoveParams{}, nil
	case ToolBackgroundAI:
		return &BackgroundAIParams{}, nil
	case ToolBatchProcessing:
		return &BatchParams{}, nil
	}
	return nil, ErrUnknownTool
}

// DecodeParams strictly decodes and validates client input for a tool.
// Unknown fields, missing required fields and trailing data are rejected
// with an error wrapping ErrInvalidParams.
func DecodeParams(t Tool, raw json.RawMessage) (Params, error) {
	p, err := newParams(t)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("%w: params must be a single JSON object", ErrInvalidParams)
	}

	if err := paramsValidator.Struct(p); err != nil {
		return nil, &ParamsError{Tool: t, Err: err}
	}
	if bp, ok := p.(*BatchParams); ok {
		op, err := ParseTool(string(bp.Operation))
		if err != nil || !batchable[op] {
			return nil, fmt.Errorf("%w: operation %q cannot be batched", ErrInvalidParams, bp.Operation)
		}
		bp.Operation = op
	}
	return deref(p), nil
}

// UnmarshalParams decodes params that were already validated at submit time
func UnmarshalParams(t Tool, raw []byte) (Params, error) {
	p, err := newParams(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", t, err)
	}
	return deref(p), nil
}

// ImageRef returns the primary input image of p, if it has one
func ImageRef(p Params) string {
	switch v := p.(type) {
	case BackgroundRemoveParams:
		return v.ImageRef
	case UpscaleParams:
		return v.ImageRef
	case ExpandParams:
		return v.ImageRef
	case PromptEditParams:
		return v.ImageRef
	case GenerativeFillParams:
		return v.ImageRef
	case ObjectRemoveParams:
		return v.ImageRef
	case BackgroundAIParams:
		return v.ImageRef
	case BatchParams:
		if len(v.ImageRefs) > 0 {
			return v.ImageRefs[0]
		}
	}
	return ""
}

func deref(p Params) Params {
	switch v := p.(type) {
	case *TextToImageParams:
		return *v
	case *BackgroundRemoveParams:
		return *v
	case *UpscaleParams:
		return *v
	case *ExpandParams:
		return *v
	case *PromptEditParams:
		return *v
	case *GenerativeFillParams:
		return *v
	case *ObjectRemoveParams:
		return *v
	case *BackgroundAIParams:
		return *v
	case *BatchParams:
		return *v
	}
	return p
}

// ParamsError carries the field-level validation failures of a params body
type ParamsError struct {
	Tool Tool
	Err  error
}

func (e *ParamsError) Error() string {
	return fmt.Sprintf("invalid params for %s: %v", e.Tool, e.Err)
}

func (e *ParamsError) Unwrap() []error {
	return []error{ErrInvalidParams, e.Err}
}
