package models

// ProcessState is the lifecycle state of the supervised agent process.
type ProcessState string

const (
	ProcessStopped    ProcessState = "stopped"
	ProcessStarting   ProcessState = "starting"
	ProcessRunning    ProcessState = "running"
	ProcessRestarting ProcessState = "restarting"
	// ProcessFailed marks a process that exited without being asked to.
	ProcessFailed ProcessState = "failed"
)
