package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pixelmind/backend/internal/models"
)

const batchPrefix = "batch:"

// ReplicateClient talks to a Replicate-compatible predictions API
type ReplicateClient struct {
	BaseURL    string
	APIToken   string
	HTTPClient *http.Client
}

func NewReplicateClient(baseURL, apiToken string, timeout time.Duration) *ReplicateClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReplicateClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIToken: apiToken,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type predictionRequest struct {
	Input map[string]any `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

// APIError is a non-2xx answer from the predictions API
type APIError struct {
	StatusCode int
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status %d: %s", e.StatusCode, e.Detail)
}

// IdempotencyHeader carries the dispatch key on prediction requests
const IdempotencyHeader = "Idempotency-Key"

func (c *ReplicateClient) Dispatch(ctx context.Context, key string, tool models.Tool, params models.Params) (Handle, error) {
	if batch, ok := params.(models.BatchParams); ok {
		return c.dispatchBatch(ctx, key, batch)
	}

	model, err := ModelFor(tool)
	if err != nil {
		return "", err
	}
	input, err := buildInput(params)
	if err != nil {
		return "", err
	}

	p, err := c.create(ctx, key, model, input)
	if err != nil {
		return "", err
	}
	log.Printf("[PROVIDER] Dispatched %s to %s as %s", tool, model, p.ID)
	return Handle(p.ID), nil
}

// dispatchBatch starts one prediction per image and joins the ids. Each
// image gets its own key derived from the batch key.
func (c *ReplicateClient) dispatchBatch(ctx context.Context, key string, batch models.BatchParams) (Handle, error) {
	model, err := ModelFor(batch.Operation)
	if err != nil {
		return "", err
	}

	ids := make([]string, 0, len(batch.ImageRefs))
	for i, ref := range batch.ImageRefs {
		input := map[string]any{"image": ref}
		if batch.Operation == models.ToolUpscale {
			input["scale"] = 4
		}
		itemKey := key
		if key != "" {
			itemKey = fmt.Sprintf("%s/%d", key, i)
		}
		p, err := c.create(ctx, itemKey, model, input)
		if err != nil {
			return "", err
		}
		ids = append(ids, p.ID)
	}
	return Handle(batchPrefix + strings.Join(ids, ",")), nil
}

func (c *ReplicateClient) Poll(ctx context.Context, h Handle) (models.Outcome, error) {
	if ids, ok := strings.CutPrefix(string(h), batchPrefix); ok {
		return c.pollBatch(ctx, strings.Split(ids, ","))
	}

	p, err := c.get(ctx, string(h))
	if err != nil {
		return models.Outcome{}, err
	}
	return outcomeOf(p), nil
}

func (c *ReplicateClient) pollBatch(ctx context.Context, ids []string) (models.Outcome, error) {
	outputs := make([]string, 0, len(ids))
	for _, id := range ids {
		p, err := c.get(ctx, id)
		if err != nil {
			return models.Outcome{}, err
		}
		outcome := outcomeOf(p)
		switch outcome.Status {
		case models.OutcomeFailure:
			return models.Failed(fmt.Sprintf("batch item %s: %s", id, outcome.Reason)), nil
		case models.OutcomePending:
			return models.Pending(), nil
		}
		outputs = append(outputs, outcome.OutputRef)
	}
	return models.Succeeded(strings.Join(outputs, ",")), nil
}

func outcomeOf(p *prediction) models.Outcome {
	switch p.Status {
	case "succeeded":
		ref := firstOutput(p.Output)
		if ref == "" {
			return models.Failed("provider returned no output")
		}
		return models.Succeeded(ref)
	case "failed":
		if p.Error == nil {
			return models.Failed("prediction failed")
		}
		return models.Failed(fmt.Sprintf("%v", p.Error))
	case "canceled":
		return models.Failed("prediction canceled")
	default:
		return models.Pending()
	}
}

// firstOutput accepts either a single URL or a list of URLs
func firstOutput(raw json.RawMessage) string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func buildInput(params models.Params) (map[string]any, error) {
	switch p := params.(type) {
	case models.TextToImageParams:
		negative := p.NegativePrompt
		if negative == "" {
			negative = "blurry, low quality, distorted"
		}
		input := map[string]any{
			"prompt":              p.Prompt,
			"negative_prompt":     negative,
			"num_outputs":         1,
			"num_inference_steps": 30,
			"guidance_scale":      7.5,
		}
		if p.AspectRatio != "" {
			input["aspect_ratio"] = p.AspectRatio
		}
		return input, nil
	case models.BackgroundRemoveParams:
		return map[string]any{"image": p.ImageRef}, nil
	case models.UpscaleParams:
		scale := p.Scale
		if scale == 0 {
			scale = 4
		}
		return map[string]any{"image": p.ImageRef, "scale": scale}, nil
	case models.ExpandParams:
		direction := p.Direction
		if direction == "" {
			direction = "all"
		}
		return inpaint(p.ImageRef, "", fmt.Sprintf("Seamlessly extend the image %s. Maintain consistency in style and content.", direction)), nil
	case models.PromptEditParams:
		return inpaint(p.ImageRef, "", p.Prompt), nil
	case models.GenerativeFillParams:
		return inpaint(p.ImageRef, p.MaskRef, p.Prompt), nil
	case models.ObjectRemoveParams:
		return inpaint(p.ImageRef, p.MaskRef, "clean background, seamless, no objects"), nil
	case models.BackgroundAIParams:
		return inpaint(p.ImageRef, "", p.Prompt), nil
	}
	return nil, fmt.Errorf("%w: unsupported params %T", ErrRejected, params)
}

func inpaint(image, mask, prompt string) map[string]any {
	input := map[string]any{
		"image":               image,
		"prompt":              prompt,
		"num_inference_steps": 50,
		"guidance_scale":      7.5,
	}
	if mask != "" {
		input["mask"] = mask
	}
	return input
}

func (c *ReplicateClient) create(ctx context.Context, key, model string, input map[string]any) (*prediction, error) {
	body, err := json.Marshal(predictionRequest{Input: input})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s/predictions", c.BaseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	return c.do(req)
}

func (c *ReplicateClient) get(ctx context.Context, id string) (*prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/predictions/%s", c.BaseURL, id), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *ReplicateClient) do(req *http.Request) (*prediction, error) {
	req.Header.Set("Authorization", "Bearer "+c.APIToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Detail == "" {
			apiErr.Detail = strings.TrimSpace(string(respBody))
		}
		if resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %v", ErrRejected, apiErr)
		}
		return nil, apiErr
	}

	var p prediction
	if err := json.Unmarshal(respBody, &p); err != nil {
		return nil, fmt.Errorf("failed to decode prediction: %w", err)
	}
	return &p, nil
}
