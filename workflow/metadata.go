package workflow

import (
	"encoding/json"
	"io"
)

// StepMetadata describes a step for visualization.
type StepMetadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Metadata describes a workflow without running it.
type Metadata struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Version     string                 `json:"version,omitempty"`
	Input       map[string]interface{} `json:"input"`
	Steps       []StepMetadata         `json:"steps"`
}

// Metadata returns the workflow description. No step is executed.
func (w *Workflow) Metadata() Metadata {
	md := Metadata{
		Name:        w.name,
		Description: w.description,
		Version:     w.version,
		Input:       map[string]interface{}{},
		Steps:       make([]StepMetadata, 0, len(w.steps)),
	}
	if d, ok := w.schema.(SchemaDescriber); ok {
		md.Input = d.Describe()
	}
	for _, s := range w.steps {
		md.Steps = append(md.Steps, s.Metadata())
	}
	return md
}

// WriteMetadata writes {"metadata": ...} to out as a single JSON line.
func (w *Workflow) WriteMetadata(out io.Writer) error {
	line, err := json.Marshal(struct {
		Metadata Metadata `json:"metadata"`
	}{w.Metadata()})
	if err != nil {
		return err
	}
	_, err = out.Write(append(line, '\n'))
	return err
}
