package version

// Maj ...
const Maj = "0"

// Min ...
const Min = "9"

// Fix ...
const Fix = "0"

var (
	// Version is the full version string
	Version = "0.9.0"

	// GitCommit is set with: -ldflags "-X github.com/nordictel/diameter/src/version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit[:8]
	}
}
