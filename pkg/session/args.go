package session

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Keys of the -params query string read by the host API library inside the
// daemon.
const (
	ParamAPIVersion       = "host_api_version"
	ParamServerPort       = "host_port"
	ParamAccessIdentifier = "host_key"

	// APIVersion is the host API interop version announced to daemons.
	APIVersion = "5.10.0"
)

// Arguments are the inputs to a daemon command line.
type Arguments struct {
	DmbName        string
	Port           uint16
	AllowWebClient bool
	Security       SecurityLevel
	Visibility     Visibility

	// LogSelfPath makes the daemon write its own log. Used when the engine
	// cannot write to stdout.
	LogSelfPath string

	Profile bool

	// MapThreads is omitted when zero.
	MapThreads uint

	Params string
}

// BuildArguments renders a deterministic daemon argument list:
//
//	<dmb> -port N -ports 1-65535 [-webclient] -close -verbose -<sec> -<vis>
//	[-logself -log <path>] [-profile] [-map-threads N] -params <params>
func BuildArguments(a Arguments) []string {
	args := []string{
		a.DmbName,
		"-port", strconv.Itoa(int(a.Port)),
		// all ports so the daemon can move ports without a relaunch
		"-ports", "1-65535",
	}
	if a.AllowWebClient {
		args = append(args, "-webclient")
	}
	args = append(args, "-close", "-verbose", "-"+a.Security.Word(), "-"+a.Visibility.Word())
	if a.LogSelfPath != "" {
		args = append(args, "-logself", "-log", a.LogSelfPath)
	}
	if a.Profile {
		args = append(args, "-profile")
	}
	if a.MapThreads != 0 {
		args = append(args, "-map-threads", strconv.FormatUint(uint64(a.MapThreads), 10))
	}
	return append(args, "-params", a.Params)
}

// EncodeParams builds the -params value. additional is appended verbatim and
// must already be query encoded.
func EncodeParams(accessIdentifier string, serverPort uint16, additional string) string {
	params := fmt.Sprintf("%s=%s&%s=%d&%s=%s",
		ParamAPIVersion, url.QueryEscape(APIVersion),
		ParamServerPort, serverPort,
		ParamAccessIdentifier, url.QueryEscape(accessIdentifier))
	if additional = strings.TrimPrefix(strings.TrimSpace(additional), "&"); additional != "" {
		params += "&" + additional
	}
	return params
}
