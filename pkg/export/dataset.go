package export

import "fmt"

// Dataset is a table of rows keyed by header. GroupBy names a column whose value changes start
// a new section in formats that support sections.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
	GroupBy string
}

// Validate checks that the dataset can be rendered.
func (d Dataset) Validate() error {
	if len(d.Headers) == 0 {
		return fmt.Errorf("dataset requires at least one header")
	}
	if d.GroupBy == "" {
		return nil
	}
	for _, h := range d.Headers {
		if h == d.GroupBy {
			return nil
		}
	}
	return fmt.Errorf("group column %q is not a header", d.GroupBy)
}

// Record returns row i in header order.
func (d Dataset) Record(i int) []string {
	record := make([]string, len(d.Headers))
	for j, h := range d.Headers {
		record[j] = d.Rows[i][h]
	}
	return record
}
