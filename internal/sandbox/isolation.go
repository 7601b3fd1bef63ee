package sandbox

// Capabilities declares what an isolation backend actually enforces.
// Reported honestly: directory scoping claims neither flag.
type Capabilities struct {
	FilesystemIsolation bool `json:"filesystem_isolation"`
	NetworkIsolation    bool `json:"network_isolation"`
}

// Isolation wraps a command so it runs under the platform's confinement
// primitive. One implementation per platform; selectIsolation picks the
// best available at startup.
type Isolation interface {
	// Name identifies the backend in logs and status output.
	Name() string
	// Capabilities reports what the backend enforces.
	Capabilities() Capabilities
	// WrapCommand rewrites argv so the command runs confined to the
	// sandbox tree. Backends without a wrapper return argv unchanged.
	WrapCommand(argv []string, sb *Context) []string
}

// dirIsolation is the universal fallback: the process runs with its working
// directory and HOME inside the sandbox tree, nothing more. It contains
// cooperating tools only.
type dirIsolation struct{}

func (dirIsolation) Name() string { return "directory" }

func (dirIsolation) Capabilities() Capabilities { return Capabilities{} }

func (dirIsolation) WrapCommand(argv []string, _ *Context) []string { return argv }
