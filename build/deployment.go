package build

// DeploymentType is an enum specifying the deployment to compile.
type DeploymentType byte

const (
	// Development is a deployment whose loggers honour the compile time
	// log level and log type tags.
	Development DeploymentType = iota

	// Production is a deployment that always logs at the default level
	// to stdout and the log file.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
