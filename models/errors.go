package models

import "fmt"

// DataQualityError marks an event that cannot be aggregated, typically because
// its price could not be resolved. The event is dropped and counted.
type DataQualityError struct {
	EventID string
	Reason  string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: event %s: %s", e.EventID, e.Reason)
}

// ConfigurationError is raised at startup for invalid settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

// DispatchError is returned by senders. Retryable errors are retried by the
// dispatcher with backoff.
type DispatchError struct {
	Channel   string
	Retryable bool
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch via %s: %v", e.Channel, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
