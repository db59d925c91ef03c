// Package output exports a finished report to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"

	"dnsrecon/internal/aggregate"
)

type jsonReport struct {
	*aggregate.Report
	Status aggregate.RunStatus `json:"status"`
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(path string, rep *aggregate.Report) error {
	data, err := json.MarshalIndent(jsonReport{Report: rep, Status: rep.Status()}, "", "  ")
	if err != nil {
		return fmt.Errorf("json: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("json: %w", err)
	}
	return nil
}
