package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imagegate/imagegate/pkg/errcode"
	"github.com/imagegate/imagegate/pkg/models"
)

const (
	draftTemperature = 0.7
	finalTemperature = 1.0
)

// Gemini drives the generateContent API through a registry of endpoints.
type Gemini struct {
	registry       *Registry
	client         *http.Client
	logger         *zap.Logger
	EnableFallback bool
}

// NewGemini creates the driver. client may be nil, in which case a client
// with a 120s timeout is used; individual calls still honor ctx deadlines.
func NewGemini(registry *Registry, client *http.Client, logger *zap.Logger) *Gemini {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &Gemini{registry: registry, client: client, logger: logger, EnableFallback: true}
}

// Wire format for the generateContent request body.
type generateBody struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	// Accepted on decode only; some proxies re-serialize with snake_case.
	InlineDataSnake *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType      string `json:"mimeType,omitempty"`
	MimeTypeSnake string `json:"mime_type,omitempty"`
	Data          string `json:"data"`
}

func (d *inlineData) mime() string {
	if d.MimeType != "" {
		return d.MimeType
	}
	return d.MimeTypeSnake
}

type generationConfig struct {
	Temperature        float64      `json:"temperature"`
	ResponseModalities []string     `json:"responseModalities"`
	ImageConfig        *imageConfig `json:"imageConfig,omitempty"`
}

type imageConfig struct {
	ImageSize      string `json:"imageSize,omitempty"`
	AspectRatio    string `json:"aspectRatio,omitempty"`
	NumberOfImages int    `json:"numberOfImages,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate implements Provider. On 503 it retries once through each fallback
// endpoint; the first to succeed wins, otherwise the original overload error
// surfaces.
func (g *Gemini) Generate(ctx context.Context, req Request) (*Result, error) {
	endpointName := req.Endpoint
	if endpointName == "" {
		endpointName = req.Credential.Endpoint
	}

	result, err := g.generateOn(ctx, req, endpointName)
	if err == nil {
		return result, nil
	}

	ce := errcode.AsError(err)
	if ce.Code != errcode.ServiceOverload || !g.EnableFallback {
		return nil, err
	}

	for _, name := range g.registry.FallbackOrder() {
		if name == endpointName {
			continue
		}
		g.logger.Info("endpoint overloaded, trying fallback",
			zap.String("from", endpointName), zap.String("to", name))
		if result, ferr := g.generateOn(ctx, req, name); ferr == nil {
			return result, nil
		}
	}
	return nil, err
}

func (g *Gemini) generateOn(ctx context.Context, req Request, endpointName string) (*Result, error) {
	endpoint, ok := g.registry.Lookup(endpointName)
	if !ok {
		return nil, errcode.Newf(errcode.UnknownError, "unknown endpoint %q", endpointName)
	}

	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	body, err := g.buildBody(req)
	if err != nil {
		return nil, err
	}

	url := endpoint.GenerateURL(model)
	if endpoint.Auth == AuthQueryKey {
		url += "?key=" + req.Credential.Secret
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errcode.Wrap(err, errcode.UnknownError)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if endpoint.Auth == AuthBearer {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential.Secret)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, errcode.Newf(errcode.ServerError, "provider request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errcode.Newf(errcode.ServerError, "provider response read failed: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errcode.FromHTTPStatus(resp.StatusCode, upstreamMessage(raw))
	}

	return parseResult(raw, model, endpointName)
}

func (g *Gemini) buildBody(req Request) ([]byte, error) {
	parts := []part{{Text: req.Prompt}}
	if req.InputImage != "" {
		mime, data, err := ParseImageDataURL(req.InputImage)
		if err != nil {
			return nil, errcode.Wrap(err, errcode.InvalidRequest)
		}
		parts = append(parts, part{InlineData: &inlineData{MimeType: mime, Data: data}})
	}

	temperature := finalTemperature
	if req.Mode == models.ModeDraft {
		temperature = draftTemperature
	}

	cfg := generationConfig{
		Temperature:        temperature,
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	if req.Resolution != "" || req.AspectRatio != "" || req.SampleCount > 0 {
		cfg.ImageConfig = &imageConfig{
			ImageSize:      req.Resolution,
			AspectRatio:    req.AspectRatio,
			NumberOfImages: req.SampleCount,
		}
	}

	body := generateBody{
		Contents:         []content{{Role: "user", Parts: parts}},
		GenerationConfig: cfg,
	}
	return json.Marshal(body)
}

func parseResult(raw []byte, model, endpointName string) (*Result, error) {
	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errcode.Newf(errcode.GeminiError, "unparseable provider response: %v", err)
	}
	if parsed.Error != nil {
		return nil, errcode.New(errcode.GeminiError, parsed.Error.Message)
	}

	var images []Image
	for _, cand := range parsed.Candidates {
		for _, p := range cand.Content.Parts {
			data := p.InlineData
			if data == nil {
				data = p.InlineDataSnake
			}
			if data == nil || data.Data == "" {
				continue
			}
			mime := data.mime()
			if mime == "" {
				mime = "image/png"
			}
			images = append(images, Image{
				URL:  fmt.Sprintf("data:%s;base64,%s", mime, data.Data),
				Mime: mime,
			})
		}
	}
	if len(images) == 0 {
		return nil, errcode.New(errcode.NoImages, "provider returned no images")
	}
	return &Result{Images: images, ModelUsed: model, EndpointUsed: endpointName}, nil
}

func upstreamMessage(raw []byte) string {
	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// ParseImageDataURL splits a data:image/...;base64,... URL into its mime
// type and base64 payload.
func ParseImageDataURL(s string) (mime, data string, err error) {
	if !strings.HasPrefix(s, "data:") {
		return "", "", fmt.Errorf("not a data URL")
	}
	rest := strings.TrimPrefix(s, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", fmt.Errorf("data URL is not base64-encoded")
	}
	mime = rest[:sep]
	data = rest[sep+len(";base64,"):]
	if !strings.HasPrefix(mime, "image/") || data == "" {
		return "", "", fmt.Errorf("malformed image data URL")
	}
	return mime, data, nil
}
