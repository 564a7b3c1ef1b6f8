package sync

// SyncOptions are the per-run options recognized by the Engine façade
// (spec.md §4.H).
type SyncOptions struct {
	PreservePermissions bool
	PreserveTimestamps  bool
	FollowSymlinks      bool
	DryRun              bool
	Verbose             bool
	ChecksumOnly        bool
	SizeOnly            bool
	DeleteExtraneous    bool
	UpdateExisting      bool
	// ConflictResolution names a built-in resolver ("prefer_newer",
	// "prefer_local", "prefer_remote", "skip", "ask") overriding the
	// engine-level default for this run.
	ConflictResolution string
	// TimeoutSeconds is a whole-run deadline; 0 means no timeout.
	TimeoutSeconds int
	// MaxBytesPerSecond throttles the Executor's token bucket; 0 means
	// unthrottled.
	MaxBytesPerSecond int64
	// ExcludePatterns are extra globs concatenated to the engine's base
	// Filter for this run only.
	ExcludePatterns []string
}

// DefaultMaxRetries is the Executor's default retry count for transient
// failures (spec.md §4.G).
const DefaultMaxRetries = 3

// DefaultWorkerCount is the Executor's default bounded worker pool size
// (spec.md §4.G).
const DefaultWorkerCount = 4
