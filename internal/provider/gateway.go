// Package provider hands jobs to the external AI provider and reports their
// outcome. The rest of the system only sees the Gateway interface.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/models"
)

// Handle is the provider's opaque identifier for a dispatched job
type Handle string

type Gateway interface {
	// Dispatch starts a job. key identifies the job across retries: the
	// provider must not start a second prediction for a key it has seen.
	Dispatch(ctx context.Context, key string, tool models.Tool, params models.Params) (Handle, error)
	// Poll returns Pending, Succeeded or Failed. An error means the provider
	// could not be asked, not that the job failed.
	Poll(ctx context.Context, h Handle) (models.Outcome, error)
}

// ErrRejected marks a dispatch the provider refused outright. Retrying it
// will not help.
var ErrRejected = errors.New("provider rejected job")

const (
	modelGenerate = "stability-ai/stable-diffusion-3"
	modelRemoveBg = "cjwbw/rembg"
	modelUpscale  = "nightmareai/real-esrgan"
	modelInpaint  = "stability-ai/stable-diffusion-inpainting"
)

// ModelFor maps a single-image tool to the hosted model that serves it
func ModelFor(tool models.Tool) (string, error) {
	switch tool {
	case models.ToolTextToImage:
		return modelGenerate, nil
	case models.ToolBackgroundRemove:
		return modelRemoveBg, nil
	case models.ToolUpscale:
		return modelUpscale, nil
	case models.ToolExpand, models.ToolPromptEdit, models.ToolGenerativeFill,
		models.ToolObjectRemove, models.ToolBackgroundAI:
		return modelInpaint, nil
	}
	return "", fmt.Errorf("%w: no model for %s", ErrRejected, tool)
}

// New builds the gateway selected by cfg.Mode
func New(cfg config.ProviderConfig) Gateway {
	if cfg.Mode == "simulated" || cfg.APIToken == "" {
		return NewSimulated(0)
	}
	return NewReplicateClient(cfg.BaseURL, cfg.APIToken, cfg.Timeout)
}
