package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectivity: the bus could not be reached. Fatal to the current attempt.
	ErrConnectivity = errors.New("broker unreachable")
	// ErrPublishRejected: a single topic send failed.
	ErrPublishRejected = errors.New("publish rejected")
	// ErrUnresolvedMapping: no tank slot holds the requested item. Warning only.
	ErrUnresolvedMapping = errors.New("tank unresolved")
	// ErrValidation: bad input, rejected before any bus interaction.
	ErrValidation = errors.New("validation error")
	// ErrPersistence: a status write-back failed.
	ErrPersistence = errors.New("persistence error")
	// ErrInFlight: another publish for the same schedule is running.
	ErrInFlight = errors.New("publish already in flight")
)

var (
	// ErrConfiguration: the tunnel has no registered device address.
	ErrConfiguration = fmt.Errorf("%w: missing device address", ErrValidation)
	// ErrScheduleNotFound: no schedule with the requested id.
	ErrScheduleNotFound = fmt.Errorf("%w: schedule not found", ErrValidation)
)
