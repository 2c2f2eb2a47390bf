// Package domain provides the core types of the round coordinator: messages,
// participants, phase records, changelog entries and canonical errors.
package domain

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of an engine error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed event or request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNotFound indicates a thread or round does not exist.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict indicates the request contradicts current round state.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeServer indicates an internal failure.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeRoundNotFound        ErrorCode = "round_not_found"
	ErrorCodeRoundExists          ErrorCode = "round_exists"
	ErrorCodeRoundOutOfSequence   ErrorCode = "round_out_of_sequence"
	ErrorCodeRoundStopped         ErrorCode = "round_stopped"
	ErrorCodeConfigurationDrift   ErrorCode = "configuration_drift"
	ErrorCodeMessageNotFound      ErrorCode = "message_not_found"
	ErrorCodeThreadNotAttached    ErrorCode = "thread_not_attached"
	ErrorCodeRoundNumberImmutable ErrorCode = "round_number_immutable"
)

// EngineError is the canonical error returned by the engine and the
// coordinator. The HTTP layer translates it to a status code.
type EngineError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode overrides the default HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *EngineError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewEngineError creates a new engine error.
func NewEngineError(errType ErrorType, message string) *EngineError {
	return &EngineError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *EngineError) WithCode(code ErrorCode) *EngineError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *EngineError) WithParam(param string) *EngineError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *EngineError) WithStatusCode(code int) *EngineError {
	e.StatusCode = code
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *EngineError {
	return NewEngineError(ErrorTypeInvalidRequest, message)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *EngineError {
	return NewEngineError(ErrorTypeNotFound, message)
}

// ErrConflict creates a conflict error.
func ErrConflict(message string) *EngineError {
	return NewEngineError(ErrorTypeConflict, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *EngineError {
	return NewEngineError(ErrorTypeServer, message)
}

// ErrRoundNotFound creates the error returned for events naming an unknown round.
func ErrRoundNotFound(round int) *EngineError {
	return ErrNotFound(fmt.Sprintf("round %d not found", round)).
		WithCode(ErrorCodeRoundNotFound)
}

// ErrConfigurationDrift creates the error surfaced when a round cannot be
// resumed because its participants no longer match the configuration.
func ErrConfigurationDrift(round int) *EngineError {
	return ErrConflict(fmt.Sprintf("round %d cannot be resumed: participant configuration changed, start a new round", round)).
		WithCode(ErrorCodeConfigurationDrift)
}
