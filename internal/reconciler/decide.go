// Package reconciler holds the core lifecycle algorithm of the Pod
// Orchestrator. It ticks once every STATUS_LOOP_INTERVAL, comparing each
// live analysis's repository status against its cluster-reported internal
// status and resolving any mismatch: decide.go holds the pure decision
// table, probe.go the internal-status probe and token refresh,
// startuplog.go the startup-error log formatter, and reconciler.go the
// tick loop and action handlers.
package reconciler

import "github.com/flame-hub/pod-orchestrator/internal/repository"

// Action is the outcome of comparing a generation's db_status against its
// int_status for one tick.
type Action string

const (
	ActionNone           Action = "none"
	ActionUnstuck        Action = "unstuck"
	ActionPromoteRunning Action = "promote-running"
	ActionFinalize       Action = "finalize"
)

// decide implements the status decision table: the first matching row
// wins.
func decide(dbStatus, intStatus repository.AnalysisStatus) Action {
	isStuck := intStatus == repository.StatusStuck
	isSlow := dbStatus == repository.StatusStarted && intStatus == repository.StatusFailed
	newlyRunning := dbStatus == repository.StatusStarted && intStatus == repository.StatusRunning
	speedyFinished := dbStatus == repository.StatusStarted && intStatus == repository.StatusFinished
	newlyEnded := (dbStatus == repository.StatusRunning || dbStatus == repository.StatusFailed) &&
		(intStatus == repository.StatusFinished || intStatus == repository.StatusFailed)
	firmlyStuck := dbStatus == repository.StatusFailed && intStatus == repository.StatusStuck

	switch {
	case isStuck || isSlow:
		return ActionUnstuck
	case newlyRunning:
		return ActionPromoteRunning
	case speedyFinished || newlyEnded || firmlyStuck:
		return ActionFinalize
	default:
		return ActionNone
	}
}

// hubStatus implements the Hub status-mapping precedence: db_status wins
// when terminal, else int_status wins when it is itself meaningful to the
// Hub, else db_status.
func hubStatus(dbStatus, intStatus repository.AnalysisStatus) repository.AnalysisStatus {
	switch dbStatus {
	case repository.StatusFailed, repository.StatusFinished:
		return dbStatus
	}
	switch intStatus {
	case repository.StatusFailed, repository.StatusFinished, repository.StatusRunning:
		return intStatus
	}
	return dbStatus
}
