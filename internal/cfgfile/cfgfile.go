// Package cfgfile reads the server's own config file. Only the listening
// port is extracted; the rest of the config language is opaque here.
package cfgfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ParseError reports why no usable port could be extracted.
type ParseError struct {
	Line int // 0 when not tied to a line
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("server config line %d: %s", e.Line, e.Msg)
	}
	return "server config: " + e.Msg
}

var endpointRe = regexp.MustCompile(`^endpoint_add_(tcp|udp)\s+"?([^"\s]+)"?`)

// Reader is the default file-backed implementation.
type Reader struct{}

// ResolvePath keeps absolute paths and joins relative ones to baseDir.
func (Reader) ResolvePath(cfgPath, baseDir string) string {
	if filepath.IsAbs(cfgPath) {
		return filepath.Clean(cfgPath)
	}
	return filepath.Join(baseDir, cfgPath)
}

func (Reader) ReadRaw(path string) (string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("read server config: %w", err)
	}
	return string(b), nil
}

func (Reader) ExtractPort(text string) (int, error) { return ExtractPort(text) }

// ExtractPort finds the endpoint_add_tcp/endpoint_add_udp directives and
// returns the TCP port. When both kinds are present the TCP port must also be
// bound for UDP.
func ExtractPort(text string) (int, error) {
	var tcp, udp []int
	sc := bufio.NewScanner(strings.NewReader(text))
	n := 0
	for sc.Scan() {
		n++
		line := stripComment(sc.Text())
		m := endpointRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := parseEndpoint(m[2])
		if err != nil {
			return 0, &ParseError{Line: n, Msg: err.Error()}
		}
		if m[1] == "tcp" {
			tcp = append(tcp, port)
		} else {
			udp = append(udp, port)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, &ParseError{Msg: err.Error()}
	}
	switch {
	case len(tcp) == 0 && len(udp) == 0:
		return 0, &ParseError{Msg: "no endpoint_add_tcp or endpoint_add_udp directive found"}
	case len(tcp) == 0:
		return udp[0], nil
	case len(udp) > 0 && !slices.Contains(udp, tcp[0]):
		return 0, &ParseError{Msg: fmt.Sprintf("tcp port %d is not bound for udp (udp ports %v)", tcp[0], udp)}
	}
	return tcp[0], nil
}

func parseEndpoint(ep string) (int, error) {
	i := strings.LastIndexByte(ep, ':')
	if i < 0 {
		return 0, fmt.Errorf("endpoint %q has no port", ep)
	}
	port, err := strconv.Atoi(ep[i+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("endpoint %q has an invalid port", ep)
	}
	return port, nil
}

func stripComment(line string) string {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	if i := strings.Index(line, "//"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
