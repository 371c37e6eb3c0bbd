package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dmdorta1111/gridbase-extract/internal/domain"
)

// Runner lets tests stub the external converter command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	log *zap.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	if err != nil {
		r.log.Error("converter exec failed",
			zap.String("cmd", name),
			zap.String("args", strings.Join(args, " ")),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Error(err),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

// Converter exit codes, part of the CLI contract: 64+ mean the input itself
// is bad and a retry cannot succeed.
const (
	exitCorruptInput      = 64
	exitUnsupportedSchema = 65
)

// CADExtractor shells out to the geometry converter for DXF/IFC/STEP files
// and parses its JSON report. One converter binary handles all three formats;
// the format flag selects the parser.
type CADExtractor struct {
	bin    string
	format domain.Format
	runner Runner
	log    *zap.Logger
}

func NewCADExtractor(bin string, format domain.Format, log *zap.Logger) *CADExtractor {
	return &CADExtractor{bin: bin, format: format, runner: execRunner{log: log}, log: log}
}

// NewCADExtractorWithRunner is used by tests to substitute the converter.
func NewCADExtractorWithRunner(bin string, format domain.Format, runner Runner, log *zap.Logger) *CADExtractor {
	return &CADExtractor{bin: bin, format: format, runner: runner, log: log}
}

func (c *CADExtractor) Extract(ctx context.Context, sourceRef string) (*Result, error) {
	stdout, stderr, err := c.runner.Run(ctx, c.bin, "--format", string(c.format), "--json", sourceRef)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Classify(ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			switch exitErr.ExitCode() {
			case exitCorruptInput:
				return nil, Errorf(KindCorruptFile, "converter: %s", snippet(stderr))
			case exitUnsupportedSchema:
				return nil, Errorf(KindUnsupportedSchema, "converter: %s", snippet(stderr))
			}
			return nil, Errorf(KindServiceUnavailable, "converter exit %d: %s", exitErr.ExitCode(), snippet(stderr))
		}
		// Binary missing or unstartable: infrastructure, not the file.
		return nil, Errorf(KindServiceUnavailable, "run converter: %v", err)
	}

	var result Result
	if err := json.Unmarshal(stdout, &result); err != nil {
		return nil, Errorf(KindUnsupportedSchema, "decode converter output: %v", err)
	}
	return &result, nil
}
