package settings

import "sync"

type Arguments struct {
	// The root directory holding one git repository per database
	RepoDir string

	// Directory for the per-database load-state and dataset cache files
	CacheDir string

	// Directory for log files
	LogDir string

	// Temporary directory for scratch exports (historical reads)
	TempDir string

	ConfigFile string

	// The mode of operation
	// standalone, cluster
	Mode string

	// the host name or IP address to listen on
	Host string

	// the port number to listen on
	Port int

	// Strongly verbose logging
	Verbose bool

	Debug bool

	// Disable the dataset cache and always read from the repository on load
	NoCache bool

	AuthEnabled bool // Enable authentication

	// Key used to encrypt the user store on disk
	SecretKey string

	// How long an issued authentication token stays valid, in seconds
	SessionTTL int

	PrintToScreen bool

	Version string
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the global Arguments instance, creating it on first use.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = &Arguments{}
	})
	return instance
}
