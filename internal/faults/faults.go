// Package faults classifies failures into the categories used for logging and user messaging.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// Category is a coarse failure class. It drives messages, never control flow.
type Category string

const (
	Auth       Category = "auth"
	Forbidden  Category = "forbidden"
	NotFound   Category = "not_found"
	BadRequest Category = "bad_request"
	Server     Category = "server"
	Network    Category = "network"
	Aborted    Category = "aborted"
	Unknown    Category = "unknown"
)

// Error attaches a category and the failing operation to an underlying error.
type Error struct {
	Category Category
	Op       string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Category, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit category.
func New(cat Category, op string, err error) error {
	return &Error{Category: cat, Op: op, Err: err}
}

// FromStatus builds an error for a non-2xx HTTP response.
func FromStatus(op string, status int, body string) error {
	if body == "" {
		body = http.StatusText(status)
	}
	return &Error{Category: categoryForStatus(status), Op: op, Status: status, Err: errors.New(body)}
}

func categoryForStatus(status int) Category {
	switch {
	case status == http.StatusUnauthorized:
		return Auth
	case status == http.StatusForbidden:
		return Forbidden
	case status == http.StatusNotFound, status == http.StatusGone:
		return NotFound
	case status == http.StatusTooManyRequests:
		return Server
	case status >= 400 && status < 500:
		return BadRequest
	case status >= 500:
		return Server
	default:
		return Unknown
	}
}

// Classify returns the category of err.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return Aborted
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Network
	}
	return Unknown
}

// Transient reports whether retrying the same call may succeed.
func Transient(err error) bool {
	switch Classify(err) {
	case Server, Network:
		return true
	}
	return false
}

// Message is the user-facing text for a category.
func Message(cat Category) string {
	switch cat {
	case Auth:
		return "Your session has expired. Sign in again and retry."
	case Forbidden:
		return "You do not have permission to run this job."
	case NotFound:
		return "The job no longer exists."
	case BadRequest:
		return "The request was rejected as invalid."
	case Server:
		return "The server failed to process the job."
	case Network:
		return "The server could not be reached."
	case Aborted:
		return "The job was cancelled."
	default:
		return "The job failed for an unknown reason."
	}
}
