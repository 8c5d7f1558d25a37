package engine

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized             = errors.New("unauthorized approver")
	ErrNotActionable            = errors.New("not actionable")
	ErrInvalidGateConfiguration = errors.New("invalid gate configuration")
	ErrReasonRequired           = errors.New("rejection reason required")
	ErrTemplateExists           = errors.New("template already exists")
	ErrInvalidInput             = errors.New("invalid input")
)

// UnauthorizedError is returned when the principal is not a required approver of the gate.
type UnauthorizedError struct {
	InstanceID string
	GateID     string
	Principal  string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("%s is not an approver of gate %s on instance %s", e.Principal, e.GateID, e.InstanceID)
}

func (e UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// NotActionableError is returned when the instance or gate is not open for the action.
type NotActionableError struct {
	InstanceID string
	GateID     string
	Reason     string
}

func (e NotActionableError) Error() string {
	return fmt.Sprintf("gate %s on instance %s is not actionable: %s", e.GateID, e.InstanceID, e.Reason)
}

func (e NotActionableError) Unwrap() error { return ErrNotActionable }

// InvalidGateConfigurationError is returned at submission when a gate has no approvers left.
type InvalidGateConfigurationError struct {
	TemplateID string
	Label      string
	Tier       int
}

func (e InvalidGateConfigurationError) Error() string {
	return fmt.Sprintf("template %s gate %q (tier %d) has no approvers", e.TemplateID, e.Label, e.Tier)
}

func (e InvalidGateConfigurationError) Unwrap() error { return ErrInvalidGateConfiguration }
