// Package provider defines the upstream generative-model contract and the
// Gemini driver implementing it. The driver uses the credential it is given;
// credential selection happens upstream in keypool.
package provider

import (
	"context"

	"github.com/imagegate/imagegate/pkg/models"
)

// DefaultModel is used when a job carries no model hint.
const DefaultModel = "gemini-2.5-flash-image"

// Request carries everything one generation call needs.
type Request struct {
	Credential  models.Credential
	Prompt      string
	InputImage  string // data:image/<type>;base64,<data>, optional
	Mode        models.GenerationMode
	Resolution  string
	AspectRatio string
	SampleCount int
	Model       string
	// Endpoint overrides the credential's endpoint, used during fallback.
	Endpoint string
}

// Image is one produced image, inlined as a data URL until it is uploaded
// to blob storage.
type Image struct {
	URL  string
	Mime string
}

// Result is a successful generation.
type Result struct {
	Images       []Image
	ModelUsed    string
	EndpointUsed string
}

// Provider is the upstream generative API contract.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
