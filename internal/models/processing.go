package models

// OutcomeKind tags the closed set of DocumentProcessor results.
type OutcomeKind string

const (
	// OutcomeSuccess carries the extracted payload plus any warnings.
	OutcomeSuccess OutcomeKind = "SUCCESS"
	// OutcomeError carries an error code/message and whether a retry is
	// worthwhile.
	OutcomeError OutcomeKind = "ERROR"
	// OutcomeUndetermined carries a payload the processor could not fully
	// validate against the template; it is stored like a success.
	OutcomeUndetermined OutcomeKind = "UNDETERMINED"
)

// ProcessorOutcome is the tagged result of one DocumentProcessor invocation.
type ProcessorOutcome struct {
	Kind      OutcomeKind
	Payload   map[string]any
	Warnings  []string
	Code      string
	Message   string
	Retriable bool
}
