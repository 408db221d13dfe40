// Package tabula extracts tables from PDF files by running tabula-java and decoding its
// JSON output. It does no normalisation beyond turning each raw grid into a header and rows.
package tabula

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pdftables/tables"
)

const (
	MethodLattice = "lattice"
	MethodStream  = "stream"
)

type Config struct {
	JavaBin string
	Jar     string
	// Pages is passed to --pages, e.g. "all" or "1-3,5".
	Pages  string
	Method string
	Guess  bool
}

// Extractor is the PDF table extraction capability consumed by the job executor.
type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func New(cfg Config, runner Runner, logger *slog.Logger) *Extractor {
	if strings.TrimSpace(cfg.JavaBin) == "" {
		cfg.JavaBin = "java"
	}
	if strings.TrimSpace(cfg.Pages) == "" {
		cfg.Pages = "all"
	}
	if cfg.Method != MethodStream {
		cfg.Method = MethodLattice
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{cfg: cfg, runner: runner, logger: logger}
}

// Extract returns every table found on the configured pages, in page order. A missing or
// unreadable file is an error; a readable PDF with no tables yields an empty slice.
func (e *Extractor) Extract(ctx context.Context, path string) ([]*tables.Table, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s: is a directory", path)
	}
	if strings.TrimSpace(e.cfg.Jar) == "" {
		return nil, errors.New("tabula jar not configured (TABULA_JAR)")
	}

	out, errb, err := e.runner.Run(ctx, e.cfg.JavaBin, e.args(path)...)
	if err != nil {
		msg := strings.TrimSpace(string(errb))
		if msg == "" {
			return nil, fmt.Errorf("tabula: %w", err)
		}
		return nil, fmt.Errorf("tabula: %w: %s", err, truncate(msg, 1<<10))
	}
	raw, err := decode(out)
	if err != nil {
		return nil, err
	}

	res := make([]*tables.Table, 0, len(raw))
	for _, rt := range raw {
		res = append(res, tables.FromGrid(rt.grid()))
	}
	e.logger.Debug("tabula extracted", "path", path, "tables", len(res))
	return res, nil
}

func (e *Extractor) args(path string) []string {
	args := []string{
		"-Dfile.encoding=UTF8",
		"-jar", e.cfg.Jar,
		"--pages", e.cfg.Pages,
		"--" + e.cfg.Method,
	}
	if e.cfg.Guess {
		args = append(args, "--guess")
	}
	return append(args, "--format", "JSON", "--silent", path)
}

type rawTable struct {
	ExtractionMethod string      `json:"extraction_method"`
	PageNumber       int         `json:"page_number"`
	Data             [][]rawCell `json:"data"`
}

type rawCell struct {
	Text string `json:"text"`
}

func (t rawTable) grid() [][]string {
	grid := make([][]string, 0, len(t.Data))
	for _, row := range t.Data {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = c.Text
		}
		grid = append(grid, cells)
	}
	return grid
}

// outputSchema is the subset of tabula-java's JSON output we rely on.
const outputSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["data"],
    "properties": {
      "extraction_method": {"type": "string"},
      "page_number": {"type": "integer"},
      "data": {
        "type": "array",
        "items": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["text"],
            "properties": {"text": {"type": "string"}}
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("tabula-output.json", outputSchema)

func decode(out []byte) ([]rawTable, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, fmt.Errorf("decode tabula output: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("tabula output does not match schema: %w", err)
	}
	var raw []rawTable
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decode tabula output: %w", err)
	}
	return raw, nil
}
