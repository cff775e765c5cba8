package ir

// ProbeKind names a monitor entry point.
type ProbeKind string

// Probe kinds inserted by instrumentation.
const (
	ProbeCovFunc  ProbeKind = "cov.func"
	ProbeCovBlock ProbeKind = "cov.block"
	ProbeCovEdge  ProbeKind = "cov.edge"

	ProbeRaceAccess ProbeKind = "race.access"
	ProbeRaceLock   ProbeKind = "race.lock"
	ProbeRaceUnlock ProbeKind = "race.unlock"

	ProbeMemCheck ProbeKind = "mem.check"
	ProbeMemAlloc ProbeKind = "mem.alloc"
	ProbeMemFree  ProbeKind = "mem.free"
	ProbeMemEnter ProbeKind = "mem.enter"
	ProbeMemLeave ProbeKind = "mem.leave"

	ProbeSymMake   ProbeKind = "sym.make"
	ProbeSymBranch ProbeKind = "sym.branch"
)

// Probe describes a call into the runtime monitor.
//
// ID indexes the mode's metadata table: function, block or edge for
// coverage probes, variable or lock for race probes.
type Probe struct {
	Kind ProbeKind `yaml:"kind"`
	ID   int       `yaml:"id"`

	// Addr is the accessed address (mem.check, race.access, mem.free,
	// race.lock, race.unlock) or the register receiving an allocation
	// (mem.alloc).
	Addr Value `yaml:"addr,omitempty"`
	// Src is the strcpy source string.
	Src Value `yaml:"src,omitempty"`
	// Size is the access width or allocation size.
	Size Value `yaml:"size,omitempty"`
	// Cond is the branch condition or switch scrutinee (sym.branch).
	Cond Value `yaml:"cond,omitempty"`

	Write  bool   `yaml:"write,omitempty"`
	Stack  bool   `yaml:"stack,omitempty"`
	Strcpy bool   `yaml:"strcpy,omitempty"`
	Name   string `yaml:"name,omitempty"`

	// Unattributed is set when the instrumented instruction has no
	// source line.
	Unattributed bool `yaml:"unattributed,omitempty"`
}

// Analysis modes, in pass order.
const (
	ModeRace      = "race"
	ModeSymbolic  = "symbolic"
	ModeMemSafety = "memsafety"
	ModeCoverage  = "coverage"
)

// Modes lists every analysis mode in pass order.
var Modes = []string{ModeRace, ModeSymbolic, ModeMemSafety, ModeCoverage}

var kindModes = map[string]string{
	"cov":  ModeCoverage,
	"race": ModeRace,
	"mem":  ModeMemSafety,
	"sym":  ModeSymbolic,
}

// Mode returns the analysis mode a probe kind belongs to, or "" for a
// kind outside every mode.
func (k ProbeKind) Mode() string {
	prefix := string(k)
	for i := 0; i < len(k); i++ {
		if k[i] == '.' {
			prefix = string(k[:i])
			break
		}
	}
	return kindModes[prefix]
}
