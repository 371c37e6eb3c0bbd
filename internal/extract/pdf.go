package extract

import (
	"context"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
)

// PDFExtractor pulls structural metadata out of a PDF: validity, page count,
// and the default field suggestions for tabular import. The heavyweight table
// detection runs in the downstream import pipeline; jobs only need enough
// structure for preview.
type PDFExtractor struct {
	log *zap.Logger
}

func NewPDFExtractor(log *zap.Logger) *PDFExtractor {
	return &PDFExtractor{log: log}
}

func (p *PDFExtractor) Extract(ctx context.Context, sourceRef string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(err)
	}
	info, err := os.Stat(sourceRef)
	if err != nil {
		// The upload store is shared infrastructure; a missing file here is
		// more likely a mount/replication hiccup than a bad upload.
		return nil, Errorf(KindServiceUnavailable, "stat %s: %v", sourceRef, err)
	}
	if info.Size() == 0 {
		return nil, Errorf(KindCorruptFile, "empty file %s", sourceRef)
	}

	if err := api.ValidateFile(sourceRef, nil); err != nil {
		return nil, Errorf(KindCorruptFile, "pdf validation: %v", err)
	}
	pages, err := api.PageCountFile(sourceRef)
	if err != nil {
		return nil, Errorf(KindCorruptFile, "pdf page count: %v", err)
	}

	p.log.Debug("pdf extracted",
		zap.String("source_ref", sourceRef),
		zap.Int("pages", pages),
	)
	return &Result{
		Fields: []FieldSuggestion{
			{Name: "page", Type: "number", Confidence: 1},
			{Name: "content", Type: "text", Confidence: 0.8},
		},
		Meta: map[string]any{
			"pages":      pages,
			"size_bytes": info.Size(),
		},
	}, nil
}
