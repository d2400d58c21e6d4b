package version

var (
	// Version is the labdaq release, set at build time with -ldflags.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String renders the version triple for logs and the status API.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
