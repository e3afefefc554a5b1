package rumagent

// Version information for the agent
const (
	// Version is reported as the rum.sdk.version resource attribute
	Version = "0.1.0"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
