package config

import "os"

// EnvOverrides holds values resolved from environment variables, the second
// layer of the four-layer override chain.
type EnvOverrides struct {
	ConfigPath string
	Workspace  string
}

// LoadEnvOverrides reads the DIARYX_* environment variables.
func LoadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv("DIARYX_CONFIG"),
		Workspace:  os.Getenv("DIARYX_WORKSPACE"),
	}
}

// CLIOverrides holds values resolved from command-line flags, the final
// (highest-priority) layer of the override chain. Pointer fields distinguish
// "flag not set" from "flag set to the zero value".
type CLIOverrides struct {
	ConfigPath string
	Workspace  string
	Paused     *bool
}
