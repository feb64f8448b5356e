// Package vmconfig is the serializable VM configuration record the runtime
// persists to a transient JSON file and hands to the shim, plus the builder
// callers assemble it with.
package vmconfig

// VirtiofsShare maps a host directory into the guest under tag.
type VirtiofsShare struct {
	Tag      string `json:"tag"`
	HostPath string `json:"host_path"`
}

// PortMapping forwards a host port to a guest port.
type PortMapping struct {
	HostPort  uint16 `json:"host_port"`
	GuestPort uint16 `json:"guest_port"`
	Protocol  string `json:"protocol,omitempty"` // "tcp" or "udp", default tcp
}

// VsockMapping binds a vsock port to a host Unix socket path. Guest is true
// when the guest listens and the host connects; false for the reverse. The
// runtime always appends one Guest=true mapping at the agent port, pointing
// at the VM's socket path.
type VsockMapping struct {
	Port       uint32 `json:"port"`
	SocketPath string `json:"socket_path"`
	Guest      bool   `json:"guest"`
}

// Rlimit is a single POSIX resource limit override.
type Rlimit struct {
	Resource string `json:"resource"` // e.g. "nofile", "nproc"
	Soft     uint64 `json:"soft"`
	Hard     uint64 `json:"hard"`
}

// Config is the full serializable description of a VM, as persisted to the
// transient JSON file under socks/ and reconstructed by the shim.
type Config struct {
	VCPUs  int `json:"vcpus"`
	RAMMiB int `json:"ram_mib"`

	// RootDir is a rootfs directory root; RootDisk is a raw/qcow2 disk path.
	// The builder keeps at most one of them set.
	RootDir  string `json:"root_dir,omitempty"`
	RootDisk string `json:"root_disk,omitempty"`

	Cwd  string   `json:"cwd,omitempty"`
	Exec string   `json:"exec,omitempty"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`

	Ports     []PortMapping   `json:"ports,omitempty"`
	Virtiofs  []VirtiofsShare `json:"virtiofs,omitempty"`
	VsockMaps []VsockMapping  `json:"vsock,omitempty"`

	UID *uint32  `json:"uid,omitempty"`
	GID *uint32  `json:"gid,omitempty"`
	Rlimits []Rlimit `json:"rlimits,omitempty"`

	NestedVirt bool `json:"nested_virt,omitempty"`
	Audio      bool `json:"audio,omitempty"`

	ConsoleOutputPath string `json:"console_output_path,omitempty"`
	AutoRemove        bool   `json:"auto_remove,omitempty"`

	// OverlayBaseDigest, when set, tells the runtime to create a COW overlay
	// backed by the base disk for this digest and substitute its path as
	// RootDisk before persisting the config.
	OverlayBaseDigest string `json:"-"`
}

// Builder accumulates Config fields through chained calls, then produces an
// immutable Config via Build.
type Builder struct {
	cfg Config
}

func NewBuilder() *Builder {
	return &Builder{cfg: Config{VCPUs: 1, RAMMiB: 512}}
}

func (b *Builder) VCPUs(n int) *Builder { b.cfg.VCPUs = n; return b }

func (b *Builder) RAMMiB(mib int) *Builder { b.cfg.RAMMiB = mib; return b }

func (b *Builder) RootDir(path string) *Builder {
	b.cfg.RootDir = path
	b.cfg.RootDisk = ""
	return b
}

func (b *Builder) RootDisk(path string) *Builder {
	b.cfg.RootDisk = path
	b.cfg.RootDir = ""
	return b
}

// FromBaseImage records a base disk digest the runtime should build a fresh
// COW overlay from during Spawn, rather than a pre-existing disk path.
func (b *Builder) FromBaseImage(digest string) *Builder {
	b.cfg.OverlayBaseDigest = digest
	b.cfg.RootDir = ""
	return b
}

func (b *Builder) Cwd(dir string) *Builder { b.cfg.Cwd = dir; return b }

func (b *Builder) Command(exe string, args ...string) *Builder {
	b.cfg.Exec = exe
	b.cfg.Args = args
	return b
}

func (b *Builder) Env(env []string) *Builder { b.cfg.Env = env; return b }

func (b *Builder) AddPort(hostPort, guestPort uint16, protocol string) *Builder {
	b.cfg.Ports = append(b.cfg.Ports, PortMapping{HostPort: hostPort, GuestPort: guestPort, Protocol: protocol})
	return b
}

func (b *Builder) AddVirtiofsShare(tag, hostPath string) *Builder {
	b.cfg.Virtiofs = append(b.cfg.Virtiofs, VirtiofsShare{Tag: tag, HostPath: hostPath})
	return b
}

func (b *Builder) Credentials(uid, gid uint32) *Builder {
	b.cfg.UID = &uid
	b.cfg.GID = &gid
	return b
}

func (b *Builder) AddRlimit(resource string, soft, hard uint64) *Builder {
	b.cfg.Rlimits = append(b.cfg.Rlimits, Rlimit{Resource: resource, Soft: soft, Hard: hard})
	return b
}

func (b *Builder) NestedVirt(enabled bool) *Builder { b.cfg.NestedVirt = enabled; return b }

func (b *Builder) Audio(enabled bool) *Builder { b.cfg.Audio = enabled; return b }

func (b *Builder) ConsoleOutputPath(path string) *Builder {
	b.cfg.ConsoleOutputPath = path
	return b
}

func (b *Builder) Build() Config { return b.cfg }

// WithAutoRemove and WithAgentVsock are applied by the runtime during Spawn,
// not exposed on Builder, since they encode runtime-owned policy rather than
// caller intent.

// WithAutoRemove returns a copy of cfg with AutoRemove set.
func WithAutoRemove(cfg Config, autoRemove bool) Config {
	cfg.AutoRemove = autoRemove
	return cfg
}

// WithAgentVsock returns a copy of cfg with the internal agent vsock mapping
// appended: the guest listens on agentPort, reachable from the host via
// socketPath.
func WithAgentVsock(cfg Config, agentPort uint32, socketPath string) Config {
	cfg.VsockMaps = append(append([]VsockMapping(nil), cfg.VsockMaps...), VsockMapping{
		Port:       agentPort,
		SocketPath: socketPath,
		Guest:      true,
	})
	return cfg
}

// WithRootDisk returns a copy of cfg with its root source set to an overlay
// disk path, clearing any rootfs directory.
func WithRootDisk(cfg Config, diskPath string) Config {
	cfg.RootDir = ""
	cfg.RootDisk = diskPath
	return cfg
}
