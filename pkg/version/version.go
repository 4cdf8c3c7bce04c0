package version

// Set at build time via -ldflags.
var (
	Version   = "0.9.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
