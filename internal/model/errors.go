package model

import (
	"errors"
	"log/slog"
)

var (
	ErrEmptyConfig        = errors.New("config is empty")
	ErrUnsupportedVersion = errors.New("config version is not supported")
)

// FieldError describes a single invalid configuration field.
type FieldError struct {
	Path    string // sidecar.name
	Message string
}

func (e *FieldError) Error() string {
	return e.Path + ": " + e.Message
}

func (e *FieldError) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("path", e.Path),
		slog.String("message", e.Message),
	)
}

// FieldErrors extracts every FieldError from a (possibly joined) error.
func FieldErrors(err error) []*FieldError {
	if err == nil {
		return nil
	}
	var out []*FieldError
	var fe *FieldError
	if errors.As(err, &fe) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				out = append(out, FieldErrors(e)...)
			}
			return out
		}
		return []*FieldError{fe}
	}
	return nil
}
