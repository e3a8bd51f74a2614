package template

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brainkernel/brain/aigateway"
	"github.com/brainkernel/brain/brainerr"
)

// GenerateOptions controls a single AI-backed generation call.
type GenerateOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	// MaxRetries bounds the exponential-backoff retry loop; 0 uses the
	// default of 2.
	MaxRetries uint64
}

const defaultMaxRetries = 2

// Result is what GenerateContent returns: the gateway's validated
// structured object, that object rendered to a single content string via
// the template's Formatter/Renderer, and the raw token-usage accounting.
type Result struct {
	Object   map[string]any
	Rendered string
	Usage    aigateway.ObjectResponse
}

// GenerateContent renders the named template's base prompt against data,
// then calls the AI gateway's structured-object API with the template's
// schema, retrying with bounded exponential backoff — including a
// response that fails schema validation, since the next attempt is a new
// generation that may come back valid. AI calls must not hang the caller
// forever, and must not retry indefinitely: GenerateContent fails once
// MaxRetries is exhausted without a schema-valid response.
func GenerateContent(ctx context.Context, gw aigateway.ObjectGenerator, reg *Registry, templateID string, data any, opts GenerateOptions) (Result, error) {
	def, err := reg.GetDefinition(templateID)
	if err != nil {
		return Result{}, err
	}

	prompt, err := reg.Render(templateID, data)
	if err != nil {
		return Result{}, err
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)

	schemaCopy := def.Schema
	var resp aigateway.ObjectResponse
	operation := func() error {
		r, err := gw.GenerateObject(ctx, aigateway.ObjectRequest{
			SystemPrompt: opts.SystemPrompt,
			Prompt:       prompt,
			MaxTokens:    opts.MaxTokens,
			Temperature:  opts.Temperature,
			Schema:       &schemaCopy,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return Result{}, brainerr.Wrap(brainerr.Gateway, "content generation failed after retries", err, map[string]any{"templateId": templateID})
	}

	rendered, err := def.renderObject(resp.Object)
	if err != nil {
		return Result{}, brainerr.Wrap(brainerr.Handler, "rendering generated object failed", err, map[string]any{"templateId": templateID})
	}

	return Result{Object: resp.Object, Rendered: rendered, Usage: resp}, nil
}

// RetryDelay is exposed for tests/documentation of the default backoff
// curve's first interval.
func RetryDelay() time.Duration {
	return backoff.NewExponentialBackOff().InitialInterval
}
