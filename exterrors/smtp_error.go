package exterrors

import "fmt"

// EnhancedCode is a RFC 3463 enhanced status code (class.subject.detail).
type EnhancedCode [3]int

// SMTPError is an error that carries an explicit SMTP-style reply code, as
// required by the error-kind-to-code mapping the expansion engine applies to
// every terminal failure (section 7 of the design: NoRule/Reject/... -> 530,
// Transient -> 451, etc).
//
// It implements error, Unwrap (for errors.Is/As), Fields (consumed by
// log.Logger.Error) and Temporary (consumed by IsTemporaryOrUnspec).
type SMTPError struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
	// Reason is a short machine-oriented explanation, distinct from the
	// human-facing Message, surfaced alongside it in logs.
	Reason string
	// CheckName/Misc let the producer attach extra structured context
	// without inventing a new error type per call site.
	CheckName string
	Misc      map[string]interface{}
	Err       error
}

func (se *SMTPError) Error() string {
	if se.Reason != "" {
		return fmt.Sprintf("%d %d.%d.%d %s (%s)", se.Code,
			se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2],
			se.Message, se.Reason)
	}
	return fmt.Sprintf("%d %d.%d.%d %s", se.Code,
		se.EnhancedCode[0], se.EnhancedCode[1], se.EnhancedCode[2], se.Message)
}

func (se *SMTPError) Unwrap() error {
	return se.Err
}

func (se *SMTPError) Temporary() bool {
	return se.Code/100 == 4
}

func (se *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(se.Misc)+3)
	for k, v := range se.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = se.Code
	fields["smtp_enchcode"] = se.EnhancedCode
	if se.Reason != "" {
		fields["reason"] = se.Reason
	}
	if se.CheckName != "" {
		fields["check"] = se.CheckName
	}
	return fields
}
