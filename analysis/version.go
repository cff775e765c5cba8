package analysis

import "github.com/kolkov/probekit/internal/ir"

// Version information for probekit.
const (
	// Version is the current version of probekit.
	Version = "0.3.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 3

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes the analyses this build provides.
type Info struct {
	// Version is the probekit version string.
	Version string

	// Modes are the supported analysis modes in pass order.
	Modes []string

	// RaceAlgorithms are the selectable race detection algorithms.
	RaceAlgorithms []string
}

// GetInfo returns information about this build.
//
// Example:
//
//	info := analysis.GetInfo()
//	fmt.Printf("probekit %s (%s)\n", info.Version, strings.Join(info.Modes, ", "))
func GetInfo() Info {
	return Info{
		Version:        Version,
		Modes:          append([]string(nil), ir.Modes...),
		RaceAlgorithms: []string{"hybrid", "lockset"},
	}
}
