package model

import (
	"errors"
)

var (
	ErrAlreadyExists = errors.New("object already exists")
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("query limit is exceeded")
	// ErrBlocked means crawling policy forbids access, terminal until
	// an operator resets the source
	ErrBlocked = errors.New("access disallowed by crawl policy")
)
