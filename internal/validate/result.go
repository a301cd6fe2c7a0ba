package validate

import "github.com/panyun-fin/invoice-pipeline/constants"

// Finding is one structured validation problem.
type Finding struct {
	Field   string              `json:"field,omitempty"`
	Kind    constants.ErrorKind `json:"kind"`
	Code    string              `json:"code"`
	Message string              `json:"message"`
}

// Result is produced fresh on every validation call and never mutated.
type Result struct {
	DocType  constants.DocType `json:"document_type"`
	Status   constants.Status  `json:"status"`
	Errors   []Finding         `json:"errors"`
	Warnings []Finding         `json:"warnings"`
}

// Passed reports whether the document cleared every check.
func (r *Result) Passed() bool {
	return r.Status == constants.StatusPass
}

// RequiresHuman reports whether the document was escalated past machine
// repair.
func (r *Result) RequiresHuman() bool {
	return r.Status == constants.StatusFailHuman
}
