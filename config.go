// Package brain wires the kernel's subsystems into a single runnable
// process: three SQLite databases (entity, job queue, conversation), the
// message bus, plugin manager, and daemon registry.
package brain

import "time"

// Config holds the kernel's top-level configuration: a flat struct of
// paths, limits, and behavior flags.
type Config struct {
	// Paths
	DataDir            string `json:"dataDir"`
	EntityDBPath       string `json:"entityDbPath"`
	JobQueueDBPath     string `json:"jobQueueDbPath"`
	ConversationDBPath string `json:"conversationDbPath"`

	// Limits
	QueueWorkerCount       int           `json:"queueWorkerCount"`
	QueueDefaultMaxAttempts int          `json:"queueDefaultMaxAttempts"`
	DaemonHealthPollInterval time.Duration `json:"daemonHealthPollInterval"`
	DaemonDegradeThreshold int           `json:"daemonDegradeThreshold"`

	// Conversation summarization thresholds
	SummarizeEveryMessages int           `json:"summarizeEveryMessages"`
	SummarizeEveryDuration time.Duration `json:"summarizeEveryDuration"`

	// Behavior
	Verbose      bool `json:"verbose"`
	JSONLogs     bool `json:"jsonLogs"`
	EnableMetrics bool `json:"enableMetrics"`

	// Job retention: disabled by default.
	RetentionEnabled  bool          `json:"retentionEnabled"`
	RetentionMaxAge   time.Duration `json:"retentionMaxAge"`
	RetentionMaxCount int           `json:"retentionMaxCount"`

	// AI gateway
	AnthropicModel string `json:"anthropicModel"`
	VoyageModel    string `json:"voyageModel"`
}

// DefaultConfig returns sensible, conservative defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:            "./data",
		EntityDBPath:       "./data/entity.db",
		JobQueueDBPath:     "./data/queue.db",
		ConversationDBPath: "./data/conversation.db",

		QueueWorkerCount:        0, // 0 -> runtime.NumCPU() in queue.New
		QueueDefaultMaxAttempts: 3,
		DaemonHealthPollInterval: 30 * time.Second,
		DaemonDegradeThreshold:   3,

		SummarizeEveryMessages: 20,
		SummarizeEveryDuration: 30 * time.Minute,

		Verbose:       true,
		JSONLogs:      false,
		EnableMetrics: true,

		RetentionEnabled:  false,
		RetentionMaxAge:   30 * 24 * time.Hour,
		RetentionMaxCount: 0,

		AnthropicModel: "",
		VoyageModel:    "",
	}
}
