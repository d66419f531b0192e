package asyncfs

import "fmt"

type ErrorCode int

const (
	Unknown = iota
	LockAcquisitionFailure
	FileIOError = 77 + iota
)

// asyncfs custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the underlying device error so errors.Is/As keep working
// across the retry layer.
func (e Error) Unwrap() error {
	return e.Err
}
