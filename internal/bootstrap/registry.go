// Package bootstrap wires shared process-level components for the binaries.
package bootstrap

import (
	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/config"
	"github.com/dmdorta1111/gridbase-extract/internal/domain"
	"github.com/dmdorta1111/gridbase-extract/internal/extract"
)

// BuildRegistry registers one extractor per supported format. The AI drawing
// extractor is only registered when the analysis service is configured;
// ai_drawing jobs fail permanently otherwise, which is the right answer for
// a misconfigured deployment.
func BuildRegistry(cfg config.Config, log *zap.Logger) (*extract.Registry, error) {
	reg := extract.NewRegistry()
	reg.Register(domain.FormatPDF, extract.NewPDFExtractor(log))
	for _, f := range []domain.Format{domain.FormatDXF, domain.FormatIFC, domain.FormatSTEP} {
		reg.Register(f, extract.NewCADExtractor(cfg.CADConverterBin, f, log))
	}
	if cfg.AIDrawingURL != "" {
		ai, err := extract.NewAIDrawingExtractor(cfg.AIDrawingURL, cfg.AIDrawingToken, cfg.AIDrawingTimeout, log)
		if err != nil {
			return nil, err
		}
		reg.Register(domain.FormatAIDrawing, ai)
	} else {
		log.Warn("AI_DRAWING_URL unset; ai_drawing jobs will fail")
	}
	return reg, nil
}
