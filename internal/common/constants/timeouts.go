// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// PromptTimeout bounds one Run Supervisor invocation end to end, from
// spawning the executor through draining its final streamed output.
// Agent turns can take a long time on complex changes, so this is
// generous.
const PromptTimeout = 60 * time.Minute
