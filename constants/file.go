package constants

import "strings"

// ExtractedJSONSuffix is appended to a source file stem to name its
// per-document extraction artifact.
const ExtractedJSONSuffix = "_extracted_revised.json"

// ValidationReportSuffix names the per-document validation report.
const ValidationReportSuffix = "_validation_report.json"

// AllowedExtensions holds the source extensions enumerated in directory mode.
var AllowedExtensions = map[string]struct{}{
	"pdf": {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
