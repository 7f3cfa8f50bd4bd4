// SPDX-License-Identifier: Apache-2.0

package provider

// FieldMapping maps one column of the destination table to a path in the
// provider's search result record.
type FieldMapping struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	SourcePath string `json:"sourcePath"`
}

// DefaultFieldTemplate is sent with every table creation call so tables
// created by the engine always share the same column layout.
func DefaultFieldTemplate() []FieldMapping {
	return []FieldMapping{
		{Name: "Company Name", Type: "text", SourcePath: "name"},
		{Name: "Domain", Type: "url", SourcePath: "domain"},
		{Name: "LinkedIn URL", Type: "url", SourcePath: "linkedin_url"},
		{Name: "Industry", Type: "text", SourcePath: "industry"},
		{Name: "Employee Count", Type: "number", SourcePath: "employee_count"},
		{Name: "Size", Type: "text", SourcePath: "size"},
		{Name: "Location", Type: "text", SourcePath: "location"},
		{Name: "Country", Type: "text", SourcePath: "country"},
		{Name: "Description", Type: "text", SourcePath: "description"},
	}
}
