package reconciler

import (
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/flame-hub/pod-orchestrator/internal/repository"
)

var _ = Describe("decide", func() {
	DescribeTable("resolves db status against internal status",
		func(db, internal repository.AnalysisStatus, expected Action) {
			Expect(decide(db, internal)).To(Equal(expected))
		},

		// Internal stuck always wins, whatever the db says.
		Entry("started + stuck", repository.StatusStarted, repository.StatusStuck, ActionUnstuck),
		Entry("running + stuck", repository.StatusRunning, repository.StatusStuck, ActionUnstuck),
		Entry("failed + stuck", repository.StatusFailed, repository.StatusStuck, ActionUnstuck),

		// Started but unreachable is treated as slow startup.
		Entry("started + failed", repository.StatusStarted, repository.StatusFailed, ActionUnstuck),

		// Healthy progressions.
		Entry("started + running", repository.StatusStarted, repository.StatusRunning, ActionPromoteRunning),
		Entry("started + finished", repository.StatusStarted, repository.StatusFinished, ActionFinalize),
		Entry("running + finished", repository.StatusRunning, repository.StatusFinished, ActionFinalize),
		Entry("running + failed", repository.StatusRunning, repository.StatusFailed, ActionFinalize),
		Entry("failed + finished", repository.StatusFailed, repository.StatusFinished, ActionFinalize),
		Entry("failed + failed", repository.StatusFailed, repository.StatusFailed, ActionFinalize),

		// Steady states need no action.
		Entry("running + running", repository.StatusRunning, repository.StatusRunning, ActionNone),
		Entry("finished + finished", repository.StatusFinished, repository.StatusFinished, ActionNone),
		Entry("stopped + failed", repository.StatusStopped, repository.StatusFailed, ActionNone),
		Entry("stopping + running", repository.StatusStopping, repository.StatusRunning, ActionNone),
	)
})

var _ = Describe("hubStatus", func() {
	DescribeTable("maps the (db, internal) pair onto the Hub vocabulary",
		func(db, internal, expected repository.AnalysisStatus) {
			Expect(hubStatus(db, internal)).To(Equal(expected))
		},

		// Terminal db status always wins.
		Entry("failed db wins over running", repository.StatusFailed, repository.StatusRunning, repository.StatusFailed),
		Entry("finished db wins over failed", repository.StatusFinished, repository.StatusFailed, repository.StatusFinished),

		// Otherwise a meaningful internal status wins.
		Entry("internal running wins over started", repository.StatusStarted, repository.StatusRunning, repository.StatusRunning),
		Entry("internal finished wins over running", repository.StatusRunning, repository.StatusFinished, repository.StatusFinished),
		Entry("internal failed wins over started", repository.StatusStarted, repository.StatusFailed, repository.StatusFailed),

		// Neither side meaningful: db status passes through.
		Entry("started + stuck reports started", repository.StatusStarted, repository.StatusStuck, repository.StatusStarted),
		Entry("stopped + stuck reports stopped", repository.StatusStopped, repository.StatusStuck, repository.StatusStopped),
	)

	It("is idempotent", func() {
		statuses := []repository.AnalysisStatus{
			repository.StatusStarting, repository.StatusStarted, repository.StatusRunning,
			repository.StatusStuck, repository.StatusStopping, repository.StatusStopped,
			repository.StatusFinished, repository.StatusFailed,
		}
		for _, db := range statuses {
			for _, internal := range statuses {
				once := hubStatus(db, internal)
				Expect(hubStatus(once, internal)).To(Equal(once),
					"db=%s internal=%s", db, internal)
			}
		}
	})
})

var _ = Describe("createStartUpErrorLog", func() {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	It("formats a slow-startup entry", func() {
		entry := createStartUpErrorLog(now, 2, 10, ErrorClassSlow, "")
		Expect(entry).To(Equal("[flame -- POAPI: ANALYSISSTARTUPERROR -- 2025-03-14 09:26:53] " +
			"Error: The analysis took to long during startup and was restarted [restart 2 of 10]."))
	})

	It("formats a stuck entry", func() {
		entry := createStartUpErrorLog(now, 0, 10, ErrorClassStuck, "")
		Expect(entry).To(ContainSubstring("The analysis failed to connect to other node components"))
		Expect(entry).NotTo(ContainSubstring("Terminating analysis as failed"))
	})

	It("appends the kubernetes error detail for k8s failures", func() {
		entry := createStartUpErrorLog(now, 1, 10, ErrorClassK8s, "ImagePullBackOff")
		Expect(entry).To(ContainSubstring("The analysis failed to deploy in kubernetes"))
		Expect(entry).To(HaveSuffix("\n\tKubernetesApiError: ImagePullBackOff."))
	})

	It("marks the terminal restart", func() {
		entry := createStartUpErrorLog(now, 10, 10, ErrorClassSlow, "")
		Expect(entry).To(ContainSubstring("[restart 10 of 10]. -> Terminating analysis as failed."))
	})

	It("keeps the k8s detail on its own line", func() {
		entry := createStartUpErrorLog(now, 10, 10, ErrorClassK8s, "CrashLoopBackOff")
		lines := strings.Split(entry, "\n")
		Expect(lines).To(HaveLen(2))
		Expect(lines[0]).To(HaveSuffix("-> Terminating analysis as failed."))
	})
})
