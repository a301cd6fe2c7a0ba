package constants

// Status is the outcome of validating one extracted document.
type Status string

// Stable values (written verbatim into JSON artifacts).
const (
	StatusPass      Status = "PASS"       // all checks passed
	StatusFailFixed Status = "FAIL_LLM"   // failed, machine repair may resolve it
	StatusFailHuman Status = "FAIL_HUMAN" // failed, requires human review
)

// ErrorKind classifies a validation finding.
type ErrorKind string

const (
	KindMissingRequired  ErrorKind = "missing_required"
	KindBadFormat        ErrorKind = "bad_format"
	KindSemanticConflict ErrorKind = "semantic_conflict"
	KindOutOfRange       ErrorKind = "out_of_range"
)
