package oidcdash

import "fmt"

// ProfileLookupError indicates the user directory could not return the
// profile for an authenticated session's subject.
type ProfileLookupError struct {
	Subject string
	Cause   error
}

func (p *ProfileLookupError) Error() string {
	return fmt.Sprintf("profile lookup for subject %q failed: %v", p.Subject, p.Cause)
}

func (p *ProfileLookupError) Unwrap() error {
	return p.Cause
}
