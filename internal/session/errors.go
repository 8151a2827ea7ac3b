package session

import "errors"

var (
	ErrSessionInactive = errors.New("session is inactive")
	ErrNotAttached     = errors.New("connection is not attached to this session")
	ErrClean           = errors.New("session has no unpersisted changes")
)
