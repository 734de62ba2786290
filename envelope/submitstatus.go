package envelope

import "github.com/infodancer/lka/exterrors"

// SubmitStatus is the inbound call from the SMTP front-end (section 6):
// an envelope that has passed the RCPT stage, plus the reply slot the
// engine fills in with the final SMTP-style outcome. A default reply code
// of 250 is set at construction, per the "begin" contract.
type SubmitStatus struct {
	Envelope Envelope

	Code         int
	EnhancedCode exterrors.EnhancedCode
	Message      string
}

// NewSubmitStatus builds a SubmitStatus for env with the default 250 reply.
func NewSubmitStatus(env Envelope) *SubmitStatus {
	return &SubmitStatus{
		Envelope:     env,
		Code:         250,
		EnhancedCode: exterrors.EnhancedCode{2, 0, 0},
		Message:      "ok",
	}
}

// SetError overwrites the reply with the SMTP code/message carried by err,
// falling back to a generic 451 if err is not an *exterrors.SMTPError.
func (s *SubmitStatus) SetError(err error) {
	if se, ok := err.(*exterrors.SMTPError); ok {
		s.Code = se.Code
		s.EnhancedCode = se.EnhancedCode
		s.Message = se.Error()
		return
	}
	s.Code = 451
	s.EnhancedCode = exterrors.EnhancedCode{4, 0, 0}
	s.Message = err.Error()
}
