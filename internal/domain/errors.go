package domain

import "errors"

// Sentinel errors returned by the registry, rules engine, and SFU core.
var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrUserExists      = errors.New("user already joined under this userId")
)
