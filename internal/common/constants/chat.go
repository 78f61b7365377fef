package constants

import "time"

// Timeouts and polling intervals for the Chat Runner.
const (
	// ExitPollInterval is how often the Run Supervisor polls a spawned
	// child for exit while also awaiting its executor-reported exit signal.
	ExitPollInterval = 250 * time.Millisecond

	// FinishedDrainTimeout is how long the stream bridge keeps draining
	// normalized log entries after a run is marked finished, to avoid
	// truncating the last few streamed deltas.
	FinishedDrainTimeout = 350 * time.Millisecond

	// SummaryExecutionTimeout bounds one AI-summarization candidate's run.
	SummaryExecutionTimeout = 120 * time.Second

	// SummaryDrainTimeout is the stream-bridge drain window used for
	// summary-mode runs specifically (shorter than main-path runs, since
	// summary candidates are background work, not user-facing).
	SummaryDrainTimeout = 350 * time.Millisecond

	// SummaryReapTimeout bounds waiting for a cancelled summary candidate's
	// process to actually exit before giving up on it.
	SummaryReapTimeout = 3 * time.Second

	// SummaryKillWaitTimeout bounds waiting after sending a kill signal to a
	// summary candidate before treating it as unrecoverable.
	SummaryKillWaitTimeout = 2 * time.Second

	// SummaryInputTokenLimit caps how much history is handed to the
	// AI-summarization prompt; longer history is truncated to its
	// most-recent-fitting suffix before summarizing.
	SummaryInputTokenLimit = 60_000

	// DefaultCompressionTokenThreshold is the default token budget a
	// session's context is kept under before compaction kicks in.
	DefaultCompressionTokenThreshold int64 = 10_000_000

	// DefaultCompressionPercentage is the default share (by token weight)
	// of the oldest history replaced by a summary during compaction.
	DefaultCompressionPercentage = 50

	// ChainDispatchTimeout bounds re-dispatching an agent's reply for
	// chained mentions once its own run has finished, detached from that
	// run's own (possibly near-expired) context.
	ChainDispatchTimeout = 10 * time.Second
)
