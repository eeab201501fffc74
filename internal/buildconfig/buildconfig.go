package buildconfig

// Injected at link time via -ldflags on the segtrain build.
var (
	version = "dev"
	commit  = "unknown"
)

// Version returns the segtrain build version.
func Version() string { return version }

// Commit returns the git commit the binary was built from.
func Commit() string { return commit }

// VersionInfo bundles the build metadata served by the monitor endpoints.
func VersionInfo() map[string]string {
	return map[string]string{
		"version": version,
		"commit":  commit,
	}
}
