// CONF-string parsing and validation for the ENV+CONF engine variant
// (§6 Variant A). Grounded directly on original_source's
// provisioner.py: _parse_ports_from_conf, _validate_user_ports,
// _reserve_user_ports — re-expressed with Go's regexp instead of
// Python's re, same semantics.
package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	confHTTPPortRe  = regexp.MustCompile(`--http-port=(\d+)`)
	confHTTPSPortRe = regexp.MustCompile(`--https-port=(\d+)`)
)

// ParseConfPorts extracts the --http-port and --https-port values from
// an operator-supplied CONF string. A nil return for either means "not
// present in the string".
func ParseConfPorts(conf string) (httpPort, httpsPort *int) {
	if conf == "" {
		return nil, nil
	}
	if m := confHTTPPortRe.FindStringSubmatch(conf); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			httpPort = &n
		}
	}
	if m := confHTTPSPortRe.FindStringSubmatch(conf); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			httpsPort = &n
		}
	}
	return httpPort, httpsPort
}

// ValidateUserPorts checks that operator-supplied ports are in the
// valid TCP port range and do not collide with each other.
func ValidateUserPorts(httpPort, httpsPort *int) error {
	if httpPort != nil && (*httpPort < 1 || *httpPort > 65535) {
		return fmt.Errorf("HTTP port %d is outside valid port range (1-65535)", *httpPort)
	}
	if httpsPort != nil && (*httpsPort < 1 || *httpsPort > 65535) {
		return fmt.Errorf("HTTPS port %d is outside valid port range (1-65535)", *httpsPort)
	}
	if httpPort != nil && httpsPort != nil && *httpPort == *httpsPort {
		return fmt.Errorf("HTTP and HTTPS cannot use the same port %d", *httpPort)
	}
	return nil
}

// BuildDefaultConf renders the CONF string the orchestrator generates
// itself when the operator did not supply one (mirrors provisioner.py's
// default conf_lines).
func BuildDefaultConf(httpPort, httpsPort int) string {
	lines := []string{
		fmt.Sprintf("--http-port=%d", httpPort),
		fmt.Sprintf("--https-port=%d", httpsPort),
		"--bind-all",
	}
	return strings.Join(lines, "\n")
}
