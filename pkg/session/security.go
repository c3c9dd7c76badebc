package session

import (
	"fmt"
	"strconv"
	"strings"
)

// SecurityLevel is the sandbox level a daemon runs under. Values are ordered
// from most to least privileged and are persisted in reattach records.
type SecurityLevel int

const (
	SecurityTrusted SecurityLevel = iota
	SecuritySafe
	SecurityUltrasafe
)

var securityWords = map[SecurityLevel]string{
	SecurityTrusted:   "trusted",
	SecuritySafe:      "safe",
	SecurityUltrasafe: "ultrasafe",
}

// Word is the command line keyword for the level.
func (l SecurityLevel) Word() string {
	if w, ok := securityWords[l]; ok {
		return w
	}
	return ""
}

func (l SecurityLevel) String() string {
	if w := l.Word(); w != "" {
		return w
	}
	return fmt.Sprintf("SecurityLevel(%d)", int(l))
}

func (l SecurityLevel) Valid() bool {
	_, ok := securityWords[l]
	return ok
}

// MorePrivilegedThan reports whether l grants the daemon more than o.
func (l SecurityLevel) MorePrivilegedThan(o SecurityLevel) bool {
	return l < o
}

// ParseSecurityLevel accepts the keyword form ("safe") case-insensitively.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, w := range securityWords {
		if w == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown security level %q", s)
}

// EnforceSecurityFloor raises requested to floor when the artifact demands
// more privilege. The result is never less privileged than requested.
func EnforceSecurityFloor(requested, floor SecurityLevel) SecurityLevel {
	if floor.MorePrivilegedThan(requested) {
		return floor
	}
	return requested
}

// Visibility controls how the daemon advertises itself.
type Visibility int

const (
	VisibilityPublic Visibility = iota
	VisibilityPrivate
	VisibilityInvisible
)

var visibilityWords = map[Visibility]string{
	VisibilityPublic:    "public",
	VisibilityPrivate:   "private",
	VisibilityInvisible: "invisible",
}

func (v Visibility) Word() string {
	if w, ok := visibilityWords[v]; ok {
		return w
	}
	return ""
}

func (v Visibility) String() string {
	if w := v.Word(); w != "" {
		return w
	}
	return fmt.Sprintf("Visibility(%d)", int(v))
}

func (v Visibility) Valid() bool {
	_, ok := visibilityWords[v]
	return ok
}

func ParseVisibility(s string) (Visibility, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, w := range visibilityWords {
		if w == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown visibility %q", s)
}

// EngineVersion is a "major.build" engine release number such as 515.1598.
type EngineVersion struct {
	Major int `json:"major"`
	Build int `json:"build"`
}

func ParseEngineVersion(s string) (EngineVersion, error) {
	major, build, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return EngineVersion{}, fmt.Errorf("engine version %q: expected major.build", s)
	}
	ma, err := strconv.Atoi(major)
	if err != nil {
		return EngineVersion{}, fmt.Errorf("engine version %q: %w", s, err)
	}
	bu, err := strconv.Atoi(build)
	if err != nil {
		return EngineVersion{}, fmt.Errorf("engine version %q: %w", s, err)
	}
	return EngineVersion{Major: ma, Build: bu}, nil
}

func (v EngineVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Build)
}

// AtLeast reports whether v is o or newer.
func (v EngineVersion) AtLeast(o EngineVersion) bool {
	if v.Major != o.Major {
		return v.Major > o.Major
	}
	return v.Build >= o.Build
}

var (
	// CLIVersion is the first Windows engine that writes to stdout.
	CLIVersion = EngineVersion{Major: 515, Build: 1598}

	// MapThreadsVersion is the first engine accepting -map-threads.
	MapThreadsVersion = EngineVersion{Major: 515, Build: 1609}
)

// Capabilities are the engine features that change how a daemon is launched.
type Capabilities struct {
	SupportsCLI        bool
	SupportsMapThreads bool
}

// CapabilitiesFor derives capabilities from the engine version. Engines on
// non-Windows hosts always write to stdout.
func CapabilitiesFor(v EngineVersion, goos string) Capabilities {
	return Capabilities{
		SupportsCLI:        goos != "windows" || v.AtLeast(CLIVersion),
		SupportsMapThreads: v.AtLeast(MapThreadsVersion),
	}
}
