package webhooksig

import "errors"

// ErrSignatureInvalid is the public, stable error for every verification failure.
var ErrSignatureInvalid = errors.New("signature invalid")

// InvalidError carries the verification failure reason.
type InvalidError struct {
	Reason Reason
}

func (e InvalidError) Error() string {
	if e.Reason == "" {
		return ErrSignatureInvalid.Error()
	}
	return ErrSignatureInvalid.Error() + ": " + string(e.Reason)
}

func (e InvalidError) Unwrap() error { return ErrSignatureInvalid }
