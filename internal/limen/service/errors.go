package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTenantID  = errors.New("tenant_id is required")
	ErrInvalidToken     = errors.New("token is required")
	ErrInvalidSubject   = errors.New("subject_type must be user or visitor and subject_id is required")
	ErrInvalidValidity  = errors.New("valid_until must be after valid_from")
	ErrInvalidMaxScans  = errors.New("max_scans must be positive")
	ErrInvalidZoneID    = errors.New("zone_id is required")
	ErrInvalidRule      = errors.New("invalid access rule")
	ErrUnknownZone      = errors.New("zone does not exist for tenant")
	ErrInvalidOccupancy = errors.New("invalid occupancy event")

	// ErrTransientStore wraps every I/O failure on the scan path. Nothing was
	// committed for the attempt and the caller may retry.
	ErrTransientStore = errors.New("transient store failure")
)

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
