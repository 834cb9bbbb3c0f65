package openswe

import "time"

// Config carries the orchestrator-wide settings nodes consult at runtime.
// It is populated once at startup (see internal/config for the TOML and
// environment loader) and passed through Services; nodes never read the
// environment directly.
type Config struct {
	// App identity on the source-control host.
	AppID         string
	AppName       string
	AppPrivateKey string // PEM, for installation token minting
	AppURL        string // public URL linked from bot comments

	SecretsEncryptionKey string

	// Sandbox provisioning.
	SandboxSnapshotName string
	SandboxIdleDelete   time.Duration // 0 = default 15m

	// LocalMode executes tools on the local machine instead of a sandbox
	// and skips all source-control I/O.
	LocalMode bool
	// Production controls trigger-label naming; non-production deployments
	// react to "-dev"-suffixed labels.
	Production bool
	// SkipCI appends "[skip ci]" to bot commit messages.
	SkipCI bool

	// BearerTokens optionally guards the HTTP API.
	BearerTokens []string

	// Budgets.
	MaxInternalTokens int           // 0 = DefaultMaxInternalTokens
	RecursionLimit    int           // 0 = defaultRecursionLimit
	ToolTimeout       time.Duration // 0 = 30s per tool call

	// WriteCommands lists the tool names whose calls require human approval
	// (or a cached ApprovalKey) before executing.
	WriteCommands []string
}

// toolTimeout returns the effective per-call tool timeout.
func (c Config) toolTimeout() time.Duration {
	if c.ToolTimeout > 0 {
		return c.ToolTimeout
	}
	return 30 * time.Second
}

// maxInternalTokens returns the effective compaction ceiling.
func (c Config) maxInternalTokens() int {
	if c.MaxInternalTokens > 0 {
		return c.MaxInternalTokens
	}
	return DefaultMaxInternalTokens
}

// isWriteCommand reports whether the tool requires approval before running.
func (c Config) isWriteCommand(tool string) bool {
	for _, w := range c.WriteCommands {
		if w == tool {
			return true
		}
	}
	return false
}

// TriggerLabels returns the issue labels that start a Manager run, suffixed
// "-dev" outside production. Order: plain, auto, max, max-auto.
func (c Config) TriggerLabels() []string {
	labels := []string{"open-swe", "open-swe-auto", "open-swe-max", "open-swe-max-auto"}
	if c.Production {
		return labels
	}
	for i, l := range labels {
		labels[i] = l + "-dev"
	}
	return labels
}
