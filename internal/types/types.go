package types

// Verdict is the outcome of autograding a single submission. The numeric
// values are part of the stored data format (task_submissions.autograde_result)
// and must not be renumbered.
type Verdict int16

const (
	VerdictOK Verdict = iota + 1
	VerdictNoFlag
	VerdictWrongFlag
	VerdictFlagNotFresh
	VerdictCanceled
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "OK"
	case VerdictNoFlag:
		return "NO_FLAG"
	case VerdictWrongFlag:
		return "WRONG_FLAG"
	case VerdictFlagNotFresh:
		return "FLAG_NOT_FRESH"
	case VerdictCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// QueueEntry is one element of the pending autograde queue as served by
// GET /autograde/. ResetURL is only set for tasks that need their external
// challenge state reset before grading.
type QueueEntry struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	ResetURL string `json:"reset_url,omitempty"`
}

// ResultResponse is the body returned by POST /autograde/:id/.
type ResultResponse struct {
	Result string `json:"result"`
}
