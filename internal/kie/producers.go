package kie

import (
	"context"
	"strings"

	"github.com/digkill/TGGenBot/internal/producer"
)

// Flux2 generates with Flux 2 Pro, switching to image-to-image when reference URLs are given.
type Flux2 struct {
	client *Client
}

func NewFlux2(client *Client) *Flux2 {
	return &Flux2{client: client}
}

func (f *Flux2) Generate(ctx context.Context, prompt string, params producer.Params) (*producer.Result, error) {
	model := "flux-2/pro-text-to-image"
	input := map[string]any{
		"prompt":       prompt,
		"aspect_ratio": params.AspectRatio,
		"resolution":   params.Resolution,
	}
	if len(params.InputURLs) > 0 {
		model = "flux-2/pro-image-to-image"
		input["input_urls"] = params.InputURLs
	}

	resultURL, err := f.client.RunTask(ctx, model, input)
	if err != nil {
		return nil, err
	}
	return &producer.Result{URL: resultURL, Caption: caption("Flux 2", prompt)}, nil
}

type NanoBanana struct {
	client *Client
}

func NewNanoBanana(client *Client) *NanoBanana {
	return &NanoBanana{client: client}
}

func (n *NanoBanana) Generate(ctx context.Context, prompt string, params producer.Params) (*producer.Result, error) {
	format := strings.ToLower(params.OutputFormat)
	if format == "" {
		format = "png"
	}
	input := map[string]any{
		"prompt":        prompt,
		"aspect_ratio":  params.AspectRatio,
		"resolution":    params.Resolution,
		"output_format": format,
	}
	if len(params.InputURLs) > 0 {
		input["image_input"] = params.InputURLs
	}

	resultURL, err := n.client.RunTask(ctx, "nano-banana-pro", input)
	if err != nil {
		return nil, err
	}
	return &producer.Result{URL: resultURL, Caption: caption("Nano Banana Pro", prompt)}, nil
}

func caption(title, prompt string) string {
	const limit = 200
	prompt = strings.TrimSpace(prompt)
	if r := []rune(prompt); len(r) > limit {
		prompt = string(r[:limit]) + "…"
	}
	return title + ": " + prompt
}
