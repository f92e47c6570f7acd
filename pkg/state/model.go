// Package state holds the per-call intake record and the store contract
// that every phase handler and the conversation controller mutate through.
package state

import "time"

// Phase is the single active step of the intake flow for one call.
type Phase string

const (
	PhaseGreeting       Phase = "greeting"
	PhaseEmergencyCheck Phase = "emergency_check"
	PhaseInsurance      Phase = "insurance"
	PhaseChiefComplaint Phase = "chief_complaint"
	PhaseDemographics   Phase = "demographics"
	PhaseContactInfo    Phase = "contact_info"
	PhaseProvider       Phase = "provider_selection"
	PhaseScheduling     Phase = "appointment_scheduling"
	PhaseConfirmation   Phase = "confirmation"
	PhaseCompleted      Phase = "completed"
)

// phaseOrder defines the forward-only ordering of phases. Same-phase
// writes are allowed; regressions are not.
var phaseOrder = map[Phase]int{
	PhaseGreeting:       0,
	PhaseEmergencyCheck: 1,
	PhaseInsurance:      2,
	PhaseChiefComplaint: 3,
	PhaseDemographics:   4,
	PhaseContactInfo:    5,
	PhaseProvider:       6,
	PhaseScheduling:     7,
	PhaseConfirmation:   8,
	PhaseCompleted:      9,
}

// CanAdvance reports whether moving from to next keeps the phase
// monotone.
func CanAdvance(from, next Phase) bool {
	a, okA := phaseOrder[from]
	b, okB := phaseOrder[next]
	return okA && okB && b >= a
}

// MemberIDPlaceholder marks an insurance record whose ID was never
// captured. Sessions must not leave the insurance phase carrying it.
const MemberIDPlaceholder = "to be provided"

type Insurance struct {
	PayerName   string `json:"payer_name"`
	MemberID    string `json:"member_id"`
	GroupNumber string `json:"group_number,omitempty"`
	Provisional bool   `json:"provisional,omitempty"`
}

type Address struct {
	Street            string `json:"street"`
	City              string `json:"city"`
	State             string `json:"state"`
	ZipCode           string `json:"zip_code"`
	Validated         bool   `json:"validated"`
	ValidationMessage string `json:"validation_message,omitempty"`
}

// PatientInfo is filled monotonically as phases complete. A field may be
// rewritten inside its owning phase but later phases never touch it.
type PatientInfo struct {
	Insurance           *Insurance `json:"insurance,omitempty"`
	ChiefComplaint      string     `json:"chief_complaint,omitempty"`
	UrgencyLevel        int        `json:"urgency_level,omitempty"`
	Address             *Address   `json:"address,omitempty"`
	PhoneNumber         string     `json:"phone_number,omitempty"`
	Email               string     `json:"email,omitempty"`
	SelectedProvider    string     `json:"selected_provider,omitempty"`
	AppointmentDatetime time.Time  `json:"appointment_datetime,omitempty"`
	AppointmentDisplay  string     `json:"appointment_display,omitempty"`
}

type TranscriptEntry struct {
	At      time.Time `json:"at"`
	Speaker string    `json:"speaker"` // "user" or "assistant"
	Text    string    `json:"text"`
}

// CallSession is the root aggregate for one phone call.
type CallSession struct {
	CallID      string            `json:"call_id"`
	Phase       Phase             `json:"phase"`
	PatientInfo PatientInfo       `json:"patient_info"`
	ErrorCount  int               `json:"error_count"`
	StartedAt   time.Time         `json:"started_at"`
	Transcript  []TranscriptEntry `json:"transcript"`
}

// Clone returns a deep copy so callers can read a snapshot without
// racing store writers.
func (s *CallSession) Clone() *CallSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.PatientInfo.Insurance != nil {
		ins := *s.PatientInfo.Insurance
		out.PatientInfo.Insurance = &ins
	}
	if s.PatientInfo.Address != nil {
		addr := *s.PatientInfo.Address
		out.PatientInfo.Address = &addr
	}
	out.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	return &out
}

func newSession(callID string) *CallSession {
	return &CallSession{
		CallID:    callID,
		Phase:     PhaseGreeting,
		StartedAt: time.Now(),
	}
}

// Fields is a partial update merged into a session by Store.Update.
// Nil members are left untouched.
type Fields struct {
	Insurance           *Insurance
	ChiefComplaint      *string
	UrgencyLevel        *int
	Address             *Address
	PhoneNumber         *string
	Email               *string
	SelectedProvider    *string
	AppointmentDatetime *time.Time
	AppointmentDisplay  *string
	IncrementError      bool
	AppendTranscript    *TranscriptEntry
}

func (f Fields) apply(s *CallSession) {
	if f.Insurance != nil {
		ins := *f.Insurance
		s.PatientInfo.Insurance = &ins
	}
	if f.ChiefComplaint != nil {
		s.PatientInfo.ChiefComplaint = *f.ChiefComplaint
	}
	if f.UrgencyLevel != nil {
		s.PatientInfo.UrgencyLevel = *f.UrgencyLevel
	}
	if f.Address != nil {
		addr := *f.Address
		s.PatientInfo.Address = &addr
	}
	if f.PhoneNumber != nil {
		s.PatientInfo.PhoneNumber = *f.PhoneNumber
	}
	if f.Email != nil {
		s.PatientInfo.Email = *f.Email
	}
	if f.SelectedProvider != nil {
		s.PatientInfo.SelectedProvider = *f.SelectedProvider
	}
	if f.AppointmentDatetime != nil {
		s.PatientInfo.AppointmentDatetime = *f.AppointmentDatetime
	}
	if f.AppointmentDisplay != nil {
		s.PatientInfo.AppointmentDisplay = *f.AppointmentDisplay
	}
	if f.IncrementError {
		s.ErrorCount++
	}
	if f.AppendTranscript != nil {
		s.Transcript = append(s.Transcript, *f.AppendTranscript)
	}
}

// Pointer helpers for building Fields literals.
func Str(v string) *string        { return &v }
func Int(v int) *int              { return &v }
func Time(v time.Time) *time.Time { return &v }
