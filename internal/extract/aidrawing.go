package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// aiDrawingSchema constrains what the drawing-analysis service may hand back.
// A response that fails validation is an unsupported schema version on the
// service side, which retrying will not fix.
const aiDrawingSchema = `{
	"type": "object",
	"required": ["fields"],
	"additionalProperties": true,
	"properties": {
		"fields": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "type"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"type": {"type": "string", "minLength": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		},
		"rows": {"type": "array", "items": {"type": "object"}},
		"meta": {"type": "object"}
	}
}`

// AIDrawingExtractor calls the external drawing-analysis service over HTTP.
// The service shares the upload store, so the request carries the source ref
// rather than the file bytes.
type AIDrawingExtractor struct {
	url    string
	token  string
	client *http.Client
	schema *jsonschema.Schema
	log    *zap.Logger
}

func NewAIDrawingExtractor(url, token string, timeout time.Duration, log *zap.Logger) (*AIDrawingExtractor, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("aidrawing.json", strings.NewReader(aiDrawingSchema)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("aidrawing.json")
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AIDrawingExtractor{
		url:    strings.TrimRight(url, "/"),
		token:  token,
		client: &http.Client{Timeout: timeout},
		schema: schema,
		log:    log,
	}, nil
}

func (a *AIDrawingExtractor) Extract(ctx context.Context, sourceRef string) (*Result, error) {
	body, err := json.Marshal(map[string]string{"source_ref": sourceRef})
	if err != nil {
		return nil, Errorf(KindUnknown, "encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, Errorf(KindUnknown, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		return nil, Errorf(KindServiceUnavailable, "analysis request: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	a.log.Info("drawing analysis response",
		zap.String("source_ref", sourceRef),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, Errorf(KindInvalidInput, "analysis rejected input: %s", snippet(raw))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Errorf(KindResourceExhausted, "analysis rate limited")
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, Errorf(KindTimeout, "analysis timed out upstream")
	default:
		return nil, Errorf(KindServiceUnavailable, "analysis status %d: %s", resp.StatusCode, snippet(raw))
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, Errorf(KindUnsupportedSchema, "analysis returned invalid json: %v", err)
	}
	if err := a.schema.Validate(parsed); err != nil {
		return nil, Errorf(KindUnsupportedSchema, "analysis response schema: %v", err)
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, Errorf(KindUnsupportedSchema, "decode analysis result: %v", err)
	}
	return &result, nil
}

func snippet(b []byte) string {
	const max = 512
	s := string(b)
	if len(s) > max {
		return s[:max] + "...(truncated)"
	}
	return s
}
