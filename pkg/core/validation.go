package core

import "time"

// MaxTimeout caps the timeout accepted on any bus request.
const MaxTimeout = 5 * time.Minute

// ValidateParticipantID validates a bus participant identifier
func ValidateParticipantID(id string) error {
	if id == "" {
		return &Error{Code: "INVALID_PARTICIPANT", Message: "participant id cannot be empty"}
	}
	if len(id) > 255 {
		return &Error{Code: "INVALID_PARTICIPANT", Message: "participant id too long (max 255 characters)"}
	}
	return nil
}

// ValidateAction validates a message action verb
func ValidateAction(action string) error {
	if action == "" {
		return &Error{Code: "INVALID_ACTION", Message: "action cannot be empty"}
	}
	if len(action) > 255 {
		return &Error{Code: "INVALID_ACTION", Message: "action too long (max 255 characters)"}
	}
	return nil
}

// ValidateTimeout validates a request timeout duration
func ValidateTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return &Error{Code: "INVALID_TIMEOUT", Message: "timeout must be positive"}
	}
	if timeout > MaxTimeout {
		return &Error{Code: "INVALID_TIMEOUT", Message: "timeout too large (max 5 minutes)"}
	}
	return nil
}
