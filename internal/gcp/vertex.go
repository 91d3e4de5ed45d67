package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"google.golang.org/api/googleapi"

	"github.com/invoxa/invoiceflow/internal/models"
)

const ExtractorSystemPrompt = "You are an electronic invoice parser. Your task is to extract structured data from an invoice document according to the field schema you are given. Accuracy and completeness are of utmost importance. Output valid JSON only."

const extractorUserPromptTemplate = `You will be provided with an invoice document and a field schema.

Extract every field the schema describes from the document and return a single JSON object whose keys are exactly the schema's field names.

Rules:
- Monetary amounts: plain decimal numbers, no currency symbols or thousands separators.
- Dates: ISO 8601 (YYYY-MM-DD).
- Line items and other repeated groups: JSON arrays of objects.
- A field that is genuinely absent from the document: null. Never invent values.

Field schema:
%s`

// InvoiceExtractor runs invoice field extraction on Vertex AI. It implements
// the document processor contract consumed by the file worker.
type InvoiceExtractor struct {
	extractorModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewInvoiceExtractor creates a client holding the pre-configured extraction model.
func NewInvoiceExtractor(ctx context.Context, projectID, region string) (*InvoiceExtractor, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewInvoiceExtractor: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractorModel := baseClient.GenerativeModel("gemini-1.5-pro")
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output. This is a critical setting for this model.
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &InvoiceExtractor{
		extractorModel: extractorModel,
		baseClient:     baseClient,
	}, nil
}

// Process validates the PDF, calls the extraction model, and maps the
// response into a tagged outcome. Transient Vertex failures come back as
// retriable error outcomes so the worker can signal its scheduler.
func (e *InvoiceExtractor) Process(ctx context.Context, content []byte, tmpl *models.Template) (*models.ProcessorOutcome, error) {
	// Pre-flight with pdfcpu before spending an LLM call on a broken file.
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(content), cfg); err != nil {
		return &models.ProcessorOutcome{
			Kind:    models.OutcomeError,
			Code:    "INVALID_PDF",
			Message: fmt.Sprintf("document failed PDF validation: %v", err),
		}, nil
	}
	pageCount, err := api.PageCount(bytes.NewReader(content), cfg)
	if err != nil {
		return &models.ProcessorOutcome{
			Kind:    models.OutcomeError,
			Code:    "INVALID_PDF",
			Message: fmt.Sprintf("failed to read page count: %v", err),
		}, nil
	}

	prompt := genai.Text(fmt.Sprintf(extractorUserPromptTemplate, tmpl.Schema))
	filePart := genai.Blob{
		MIMEType: "application/pdf",
		Data:     content,
	}

	resp, err := e.extractorModel.GenerateContent(ctx, filePart, prompt)
	if err != nil {
		return &models.ProcessorOutcome{
			Kind:      models.OutcomeError,
			Code:      "VERTEX_CALL_FAILED",
			Message:   fmt.Sprintf("failed to generate content from gemini: %v", err),
			Retriable: isTransient(err),
		}, nil
	}

	jsonString := extractJSONContent(resp)
	if jsonString == "" {
		return &models.ProcessorOutcome{
			Kind:      models.OutcomeError,
			Code:      "EMPTY_RESPONSE",
			Message:   "gemini returned an empty response instead of JSON",
			Retriable: true,
		}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(jsonString), &payload); err != nil {
		// The model produced something, just not the shape we asked for.
		// Keep it for manual review instead of discarding the call.
		return &models.ProcessorOutcome{
			Kind:    models.OutcomeUndetermined,
			Payload: map[string]any{"raw": jsonString},
			Warnings: []string{
				fmt.Sprintf("response was not valid JSON: %v", err),
			},
		}, nil
	}

	var warnings []string
	if pageCount > 1 {
		warnings = append(warnings, fmt.Sprintf("document has %d pages; fields were extracted across all of them", pageCount))
	}

	return &models.ProcessorOutcome{
		Kind:     models.OutcomeSuccess,
		Payload:  payload,
		Warnings: warnings,
	}, nil
}

func (e *InvoiceExtractor) Close() error {
	if e.baseClient != nil {
		return e.baseClient.Close()
	}
	return nil
}

// extractJSONContent robustly gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	// Clean potential markdown fences just in case.
	cleanJSON := strings.TrimSpace(sb.String())
	cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
	cleanJSON = strings.TrimSuffix(cleanJSON, "```")
	return strings.TrimSpace(cleanJSON)
}

// isTransient classifies API failures worth a re-invocation.
func isTransient(err error) bool {
	if gerr, ok := err.(*googleapi.Error); ok {
		switch gerr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}
