package resource

import "fmt"

// Reason classifies a failed fetch.
type Reason string

const (
	ReasonUnsupportedTLD     Reason = "unsupported_tld"
	ReasonTimeout            Reason = "timeout"
	ReasonNotFound           Reason = "not_found"
	ReasonNotRegistered      Reason = "not_registered"
	ReasonDNSResolution      Reason = "dns_resolution"
	ReasonTLSHandshake       Reason = "tls_handshake"
	ReasonAllProvidersFailed Reason = "all_providers_failed"
	ReasonNetwork            Reason = "network"
	ReasonGone               Reason = "gone"
	ReasonUpstreamStatus     Reason = "upstream_status"
	ReasonMalformed          Reason = "malformed"
	ReasonPanic              Reason = "panic"
)

// Outcome is the result of one fetch. It is one of Success,
// PermanentFailure or RetryableFailure.
type Outcome interface {
	// Label returns the fetch path that produced the outcome.
	Label() string
	outcome()
}

// Success carries freshly fetched data.
type Success struct {
	Payload any
	Source  string
}

// PermanentFailure is an authoritative negative fact. It is cached.
type PermanentFailure struct {
	Reason Reason
	// Absent marks the data as definitively non-existent. Otherwise the
	// failure is cached as an ErrorPayload.
	Absent bool
	Err    error
	Source string
}

// RetryableFailure is transient upstream trouble. It is never cached.
type RetryableFailure struct {
	Reason Reason
	Err    error
	Source string
}

func (Success) outcome()          {}
func (PermanentFailure) outcome() {}
func (RetryableFailure) outcome() {}

func (o Success) Label() string          { return o.Source }
func (o PermanentFailure) Label() string { return o.Source }
func (o RetryableFailure) Label() string { return o.Source }

func (o PermanentFailure) Error() string {
	if o.Err == nil {
		return string(o.Reason)
	}
	return fmt.Sprintf("%s: %v", o.Reason, o.Err)
}

func (o RetryableFailure) Error() string {
	if o.Err == nil {
		return string(o.Reason)
	}
	return fmt.Sprintf("%s: %v", o.Reason, o.Err)
}

func (o PermanentFailure) Unwrap() error { return o.Err }
func (o RetryableFailure) Unwrap() error { return o.Err }

// Retryable is a shortcut for building a RetryableFailure.
func Retryable(reason Reason, source string, err error) RetryableFailure {
	return RetryableFailure{Reason: reason, Err: err, Source: source}
}

// Permanent is a shortcut for building a PermanentFailure that is cached
// as an ErrorPayload.
func Permanent(reason Reason, source string, err error) PermanentFailure {
	return PermanentFailure{Reason: reason, Err: err, Source: source}
}

// Absent is a shortcut for building a PermanentFailure that is cached as
// definitively absent.
func Absent(reason Reason, source string, err error) PermanentFailure {
	return PermanentFailure{Reason: reason, Absent: true, Err: err, Source: source}
}
