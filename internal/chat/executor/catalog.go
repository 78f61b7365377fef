package executor

import (
	"sync/atomic"

	"github.com/chatrunner/chatrunner/internal/common/config"
)

var (
	_ Executor = (*processExecutor)(nil)
	_ Executor = (*claudeCodeExecutor)(nil)
	_ Executor = (*copilotExecutor)(nil)
	_ Executor = (*mockExecutor)(nil)
)

// Catalog is the closed registry of Executors, one per RunnerType, snapshot
// under an atomic.Pointer so concurrent Run Supervisors never race on a
// stale or half-built map (same pattern as the Presets snapshot).
type Catalog struct {
	snapshot atomic.Pointer[map[RunnerType]Executor]
}

// NewDefaultCatalog builds the catalog covering every RunnerType: one
// stream-json-aware adapter for ClaudeCode, an SDK-backed adapter for
// Copilot, plain exec.CommandContext adapters for the remaining
// CLI-backed runners, and an in-process Mock used by scenario tests. When
// dockerCfg.Enabled, CLI-backed runner types are additionally wrapped with
// a dockerRuntime so their binary runs inside dockerCfg.Image rather than
// on the host; ClaudeCode, Copilot, and Mock never containerize since they
// own their own process/session lifecycle.
func NewDefaultCatalog(dockerCfg config.DockerConfig) *Catalog {
	c := &Catalog{}

	specs := []binarySpec{
		codexSpec(), geminiSpec(), opencodeSpec(), ampSpec(), auggieSpec(), kimiSpec(),
	}
	var runtime *dockerRuntime
	if dockerCfg.Enabled {
		runtime = newDockerRuntime(dockerCfg)
		for i := range specs {
			specs[i].dockerImage = dockerCfg.Image
		}
	}

	processExecs := make(map[RunnerType]*processExecutor, len(specs))
	for _, spec := range specs {
		pe := newProcessExecutor(spec)
		if runtime != nil {
			pe = pe.withDockerRuntime(runtime)
		}
		processExecs[spec.runnerType] = pe
	}

	m := map[RunnerType]Executor{
		ClaudeCode: newClaudeCodeExecutor(),
		Codex:      processExecs[Codex],
		Gemini:     processExecs[Gemini],
		Opencode:   processExecs[Opencode],
		Amp:        processExecs[Amp],
		Copilot:    newCopilotExecutor(),
		Auggie:     processExecs[Auggie],
		Kimi:       processExecs[Kimi],
		Mock:       newMockExecutor(),
	}
	c.snapshot.Store(&m)
	return c
}

// Get returns the Executor for rt, or false if rt is not registered.
func (c *Catalog) Get(rt RunnerType) (Executor, bool) {
	m := *c.snapshot.Load()
	e, ok := m[rt]
	return e, ok
}

// Register swaps in an Executor for rt, copy-on-write over the snapshot.
// Used by tests to substitute a fake for one runner type without disturbing
// the rest of the catalog.
func (c *Catalog) Register(rt RunnerType, e Executor) {
	old := *c.snapshot.Load()
	next := make(map[RunnerType]Executor, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[rt] = e
	c.snapshot.Store(&next)
}

func codexSpec() binarySpec {
	return binarySpec{
		runnerType: Codex,
		binary:     "codex",
		spawnArgs: func(opts SpawnOptions) []string {
			return []string{"exec", "--json"}
		},
		followUpArgs: func(opts SpawnOptions) []string {
			return []string{"exec", "--json", "resume", opts.ExecutorSessionHandle}
		},
		mcpConfigName: "codex.toml",
	}
}

func geminiSpec() binarySpec {
	return binarySpec{
		runnerType: Gemini,
		binary:     "gemini",
		spawnArgs: func(opts SpawnOptions) []string {
			return []string{"--yolo"}
		},
		followUpArgs: func(opts SpawnOptions) []string {
			return []string{"--yolo", "--resume", opts.ExecutorSessionHandle}
		},
	}
}

func opencodeSpec() binarySpec {
	return binarySpec{
		runnerType: Opencode,
		binary:     "opencode",
		spawnArgs: func(opts SpawnOptions) []string {
			return []string{"run"}
		},
		followUpArgs: func(opts SpawnOptions) []string {
			return []string{"run", "--continue", opts.ExecutorSessionHandle}
		},
	}
}

func ampSpec() binarySpec {
	return binarySpec{
		runnerType: Amp,
		binary:     "amp",
		spawnArgs: func(opts SpawnOptions) []string {
			return []string{"--execute"}
		},
		followUpArgs: func(opts SpawnOptions) []string {
			return []string{"--execute", "--thread", opts.ExecutorSessionHandle}
		},
	}
}

func auggieSpec() binarySpec {
	return binarySpec{
		runnerType: Auggie,
		binary:     "auggie",
		spawnArgs: func(opts SpawnOptions) []string {
			return []string{"--print"}
		},
		followUpArgs: func(opts SpawnOptions) []string {
			return []string{"--print", "--continue", opts.ExecutorSessionHandle}
		},
	}
}

func kimiSpec() binarySpec {
	return binarySpec{
		runnerType: Kimi,
		binary:     "kimi",
		spawnArgs: func(opts SpawnOptions) []string {
			return []string{"run"}
		},
		followUpArgs: func(opts SpawnOptions) []string {
			return []string{"run", "--session", opts.ExecutorSessionHandle}
		},
	}
}
