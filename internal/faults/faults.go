// Package faults defines the error taxonomy shared by every worker in
// the aggregator. Each failure surface maps to exactly one sentinel so
// callers can classify with errors.Is without inspecting strings.
package faults

type errString string

// Error implements error
func (err errString) Error() string {
	return string(err)
}

const (
	// Upstream I/O
	ErrConnect   = errString("upstream unreachable")
	ErrTimeout   = errString("connect timeout")
	ErrClosed    = errString("stream closed")
	ErrTransport = errString("transport error")

	// Processing
	ErrDecode    = errString("malformed jpeg")
	ErrInference = errString("inference failed")

	// Configuration and storage
	ErrConfig  = errString("missing or invalid configuration")
	ErrStorage = errString("local write failed")
	ErrRemote  = errString("remote transfer failed")

	// Flow control
	ErrQueueFull = errString("queue full")
	ErrShutdown  = errString("shutdown requested")
)
