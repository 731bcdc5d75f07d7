package registry

import "errors"

var (
	ErrNotFound            = errors.New("agent not found")
	ErrAlreadyOwnedByOther = errors.New("agent already assigned to another owner")
	ErrQuotaExceeded       = errors.New("owner device limit reached")
)
