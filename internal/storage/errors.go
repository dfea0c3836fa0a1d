package storage

import "errors"

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrConflict is returned by a backend when the stored revision moved
	// underneath a write.
	ErrConflict = errors.New("storage: revision conflict")

	// ErrCorruptState is returned by Update when the stored document is
	// unreadable and could not be backed up, so nothing was overwritten.
	ErrCorruptState = errors.New("storage: root document unreadable")

	// ErrInsufficientFunds is returned by Wallet.Spend when the balance
	// does not cover the amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidSessionPayload marks session data that cannot be repaired.
	ErrInvalidSessionPayload = errors.New("invalid session payload")
)
