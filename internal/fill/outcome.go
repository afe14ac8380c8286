package fill

import (
	"encoding/json"
	"fmt"

	"formsync/internal/fault"
)

// State is a step of one fill run.
type State string

const (
	StateNotStarted       State = "not_started"
	StateLoggedIn         State = "logged_in"
	StateLocationResolved State = "location_resolved"
	StatePeriodSelected   State = "period_selected"
	StateTabsFilled       State = "tabs_filled"
	StateSubmitted        State = "submitted"
	StateOutcomeCaptured  State = "outcome_captured"

	StateSucceeded State = "succeeded"
	StateConflict  State = "conflict"
	StateFailed    State = "failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateConflict || s == StateFailed
}

// Stats are the import counters of the create/update response.
type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Ignored int `json:"ignored"`
	Deleted int `json:"deleted"`
	Total   int `json:"total,omitempty"`
}

// ErrorReport is one validation error returned by the target system.
type ErrorReport struct {
	Message     string `json:"message"`
	ErrorCode   string `json:"errorCode,omitempty"`
	TrackerType string `json:"trackerType,omitempty"`
	UID         string `json:"uid,omitempty"`
}

type ValidationReport struct {
	ErrorReports []ErrorReport `json:"errorReports"`
}

// APIResponse is the parsed body of the create/update response.
type APIResponse struct {
	Status           string           `json:"status,omitempty"`
	Stats            Stats            `json:"stats"`
	ValidationReport ValidationReport `json:"validationReport"`
}

// SubmissionOutcome is the report of one submit attempt.
type SubmissionOutcome struct {
	Success          bool         `json:"success"`
	StatusCode       int          `json:"statusCode"`
	State            State        `json:"state"`
	FieldsFilled     int          `json:"fieldsFilled"`
	TotalFields      int          `json:"totalFields"`
	UnresolvedFields int          `json:"unresolvedFields"`
	UnfilledFields   []string     `json:"unfilledFields"`
	Degraded         bool         `json:"degraded"`
	ErrorTag         fault.Tag    `json:"errorTag,omitempty"`
	Error            string       `json:"error,omitempty"`
	RunID            string       `json:"runId,omitempty"`
	APIResponse      *APIResponse `json:"apiResponse,omitempty"`
	// Screenshots are stored next to the run trace.
	Screenshots      []string     `json:"screenshots,omitempty"`
}

// Counts returns created, updated, ignored and deleted from the response.
func (o SubmissionOutcome) Counts() (created, updated, ignored, deleted int) {
	if o.APIResponse == nil {
		return 0, 0, 0, 0
	}
	s := o.APIResponse.Stats
	return s.Created, s.Updated, s.Ignored, s.Deleted
}

// ErrorReports returns the validation errors of the response.
func (o SubmissionOutcome) ErrorReports() []ErrorReport {
	if o.APIResponse == nil {
		return nil
	}
	return o.APIResponse.ValidationReport.ErrorReports
}

// rawResponse accepts the tracker shape, the same shape wrapped in
// "response", and the aggregate importCount/conflicts shape.
type rawResponse struct {
	Status           string            `json:"status"`
	Stats            *Stats            `json:"stats"`
	ValidationReport *ValidationReport `json:"validationReport"`
	Response         *rawResponse      `json:"response"`
	ImportCount      *struct {
		Imported int `json:"imported"`
		Updated  int `json:"updated"`
		Ignored  int `json:"ignored"`
		Deleted  int `json:"deleted"`
	} `json:"importCount"`
	Conflicts []struct {
		Object string `json:"object"`
		Value  string `json:"value"`
	} `json:"conflicts"`
}

// ParseAPIResponse decodes a response body. An empty body yields an empty
// response.
func ParseAPIResponse(body []byte) (*APIResponse, error) {
	out := &APIResponse{}
	if len(body) == 0 {
		return out, nil
	}
	var raw rawResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return out, fmt.Errorf("decode response body: %w", err)
	}
	r := &raw
	if r.Stats == nil && r.ImportCount == nil && r.Response != nil {
		r = r.Response
		if r.Status == "" {
			r.Status = raw.Status
		}
	}

	out.Status = r.Status
	switch {
	case r.Stats != nil:
		out.Stats = *r.Stats
	case r.ImportCount != nil:
		out.Stats = Stats{
			Created: r.ImportCount.Imported,
			Updated: r.ImportCount.Updated,
			Ignored: r.ImportCount.Ignored,
			Deleted: r.ImportCount.Deleted,
		}
	}
	if r.ValidationReport != nil {
		out.ValidationReport = *r.ValidationReport
	}
	for _, c := range r.Conflicts {
		out.ValidationReport.ErrorReports = append(out.ValidationReport.ErrorReports,
			ErrorReport{Message: c.Value, UID: c.Object})
	}
	if out.ValidationReport.ErrorReports == nil {
		out.ValidationReport.ErrorReports = []ErrorReport{}
	}
	return out, nil
}

// classify derives the terminal state strictly from the HTTP status.
// Success additionally needs an empty error report list.
func classify(status int, resp *APIResponse) (State, bool, fault.Tag) {
	switch status {
	case 200:
		if resp != nil && len(resp.ValidationReport.ErrorReports) > 0 {
			return StateSucceeded, false, fault.TagValidationRejected
		}
		return StateSucceeded, true, ""
	case 409:
		return StateConflict, false, fault.TagConflict
	}
	return StateFailed, false, ""
}
