// Package report serializes a compiled scoring report into the autograder
// results file.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"github.com/netlab-tools/labgrade/internal/scoring"
)

// Test is one entry of the results file.
type Test struct {
	Name         string `json:"name"`
	Number       string `json:"number"`
	Output       string `json:"output"`
	MaxScore     int    `json:"max_score"`
	Score        int    `json:"score"`
	OutputFormat string `json:"output_format"`
	Status       string `json:"status"`
	Visibility   string `json:"visibility"`
}

// Document is the top-level results file.
type Document struct {
	Score         int     `json:"score"`
	ExecutionTime float64 `json:"execution_time"`
	Output        string  `json:"output,omitempty"`
	Tests         []Test  `json:"tests"`
}

// FromReport converts a compiled report into its serialized form.
func FromReport(r scoring.Report) Document {
	doc := Document{
		Score:         r.Score(),
		ExecutionTime: math.Round(r.ExecutionTime.Seconds()*100) / 100,
		Output:        r.Output,
		Tests:         make([]Test, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		doc.Tests = append(doc.Tests, Test{
			Name:         res.Name,
			Number:       res.Number,
			Output:       res.Output,
			MaxScore:     res.MaxScore,
			Score:        res.Score,
			OutputFormat: "text",
			Status:       string(res.Status),
			Visibility:   string(res.Visibility),
		})
	}
	return doc
}

// Encode writes the document as indented JSON.
func Encode(w io.Writer, r scoring.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(FromReport(r)); err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	return nil
}

// Write persists the report to path in a single atomic replace, so readers
// never observe a partially written results file.
func Write(path string, r scoring.Report) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create results directory: %w", err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending results file: %w", err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil && err == nil {
			err = fmt.Errorf("cleanup pending results file: %w", cerr)
		}
	}()

	if err := Encode(pending, r); err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace results file: %w", err)
	}
	return nil
}

// Read loads a previously written results file.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read results file: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse results file: %w", err)
	}
	return doc, nil
}
