package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v5"
)

// Status classifies the outcome of one probe.
type Status string

const (
	StatusOK          Status = "ok"
	StatusBad         Status = "bad"
	StatusTimeout     Status = "timeout"
	StatusUnreachable Status = "unreachable"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusBad, StatusTimeout, StatusUnreachable:
		return true
	}
	return false
}

// Responded reports whether an HTTP response was received, i.e. whether
// code and time_taken are present.
func (s Status) Responded() bool {
	return s == StatusOK || s == StatusBad
}

// StatusFromCode maps an HTTP status code onto ok/bad.
func StatusFromCode(code int) Status {
	if code >= 200 && code < 400 {
		return StatusOK
	}
	return StatusBad
}

var ErrInvalidObservation = errors.New("invalid observation")

// HealthObservation is one health-check result for one URL. It is a value
// type; build it with Observed, TimedOut or Unreachable.
type HealthObservation struct {
	Status    Status     `json:"status"`
	Code      null.Int   `json:"code"`
	TimeTaken null.Float `json:"time_taken"`
	URL       string     `json:"url"`
}

// Observed builds the observation for a received HTTP response.
func Observed(url string, code int, elapsed time.Duration) HealthObservation {
	return HealthObservation{
		Status:    StatusFromCode(code),
		Code:      null.IntFrom(int64(code)),
		TimeTaken: null.FloatFrom(elapsed.Seconds()),
		URL:       url,
	}
}

func TimedOut(url string) HealthObservation {
	return HealthObservation{Status: StatusTimeout, URL: url}
}

func Unreachable(url string) HealthObservation {
	return HealthObservation{Status: StatusUnreachable, URL: url}
}

// Validate checks the field invariants: code and time_taken are both set
// exactly when a response was received, and the code agrees with the status.
func (o HealthObservation) Validate() error {
	if o.URL == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidObservation)
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidObservation, o.Status)
	}
	if o.Code.Valid != o.TimeTaken.Valid {
		return fmt.Errorf("%w: code and time_taken must both be present or both absent", ErrInvalidObservation)
	}
	if o.Status.Responded() != o.Code.Valid {
		return fmt.Errorf("%w: status %q with code present=%v", ErrInvalidObservation, o.Status, o.Code.Valid)
	}
	if o.Code.Valid {
		if StatusFromCode(int(o.Code.Int64)) != o.Status {
			return fmt.Errorf("%w: code %d does not match status %q", ErrInvalidObservation, o.Code.Int64, o.Status)
		}
		if o.TimeTaken.Float64 < 0 {
			return fmt.Errorf("%w: negative time_taken", ErrInvalidObservation)
		}
	}
	return nil
}

// Encode renders the wire form: a JSON object with status, code,
// time_taken and url.
func (o HealthObservation) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// DecodeObservation parses and validates the wire form.
func DecodeObservation(b []byte) (HealthObservation, error) {
	var o HealthObservation
	if err := json.Unmarshal(b, &o); err != nil {
		return HealthObservation{}, fmt.Errorf("%w: %v", ErrInvalidObservation, err)
	}
	if err := o.Validate(); err != nil {
		return HealthObservation{}, err
	}
	return o, nil
}

// StoredHealthRow is a persisted observation. RecordedAt is the storage time.
type StoredHealthRow struct {
	ID          int64     `json:"id"`
	RecordedAt  time.Time `json:"recorded_at"`
	DeliveryKey string    `json:"delivery_key,omitempty"`
	HealthObservation
}
