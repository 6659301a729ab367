package models

import "fmt"

// ImportRowError records why a CSV line was skipped.
type ImportRowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// ImportReport summarises a calendar merge for caller-facing status messages.
type ImportReport struct {
	Imported      int              `json:"imported"`
	Skipped       int              `json:"skipped"`
	EventsFound   int              `json:"events_found"`
	PeriodTouched bool             `json:"period_touched"`
	PeriodFields  []string         `json:"period_fields,omitempty"`
	Errors        []ImportRowError `json:"errors,omitempty"`
}

// StatusText renders the message shown after an import attempt.
func (r ImportReport) StatusText() string {
	if r.Imported == 0 {
		return ImportFailedText("no valid rows found")
	}
	return fmt.Sprintf("Import Successful: %d events.", r.EventsFound)
}

// ImportFailedText renders the message shown when an import could not be applied.
func ImportFailedText(reason string) string {
	return "Import Failed: " + reason
}
