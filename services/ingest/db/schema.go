package db

import (
	_ "embed"
)

//go:embed schema.sql
var Schema string

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

const (
	FailureLevelWarning  = "warning"
	FailureLevelError    = "error"
	FailureLevelCritical = "critical"
)
