package reconciler

import (
	"fmt"
	"time"
)

// ErrorClass is the startup-failure classification attached to a
// startup-error log entry.
type ErrorClass string

const (
	ErrorClassStuck ErrorClass = "stuck"
	ErrorClassSlow  ErrorClass = "slow"
	ErrorClassK8s   ErrorClass = "k8s"
)

// startupErrorPhrase returns the human-readable phrase for each
// classification. The wording is load-bearing: downstream log consumers
// pattern-match on it.
func startupErrorPhrase(class ErrorClass) string {
	switch class {
	case ErrorClassStuck:
		return "The analysis failed to connect to other node components"
	case ErrorClassSlow:
		return "The analysis took to long during startup and was restarted"
	case ErrorClassK8s:
		return "The analysis failed to deploy in kubernetes"
	default:
		return ""
	}
}

// createStartUpErrorLog renders one startup-error log line: timestamp,
// restart counter against maxRestarts, classification phrase, and - for
// k8s - the appended KubernetesApiError detail.
func createStartUpErrorLog(now time.Time, restartNum, maxRestarts int, class ErrorClass, k8sErrorMsg string) string {
	termMsg := ""
	if restartNum >= maxRestarts {
		termMsg = " -> Terminating analysis as failed."
	}

	log := fmt.Sprintf("[flame -- POAPI: ANALYSISSTARTUPERROR -- %s] Error: %s [restart %d of %d].%s",
		now.Format("2006-01-02 15:04:05"), startupErrorPhrase(class), restartNum, maxRestarts, termMsg)

	if class == ErrorClassK8s && k8sErrorMsg != "" {
		log += fmt.Sprintf("\n\tKubernetesApiError: %s.", k8sErrorMsg)
	}
	return log
}
