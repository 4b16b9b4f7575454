package protocol

import (
	"fmt"
	"strings"
)

// Version is a supported STOMP protocol version.
type Version string

const (
	V10 Version = "1.0"
	V11 Version = "1.1"
)

// DefaultVersion is used when no version is configured.
const DefaultVersion = V10

// Supported lists versions in ascending order.
var Supported = []Version{V10, V11}

// ParseVersion normalizes raw and checks it against Supported.
func ParseVersion(raw string) (Version, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", ErrEmptyVersion
	}
	for _, s := range Supported {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, raw)
}

// Negotiate picks the highest version listed in an accept-version header
// that is also supported and not above max. An empty header means 1.0.
func Negotiate(acceptVersion string, max Version) (Version, bool) {
	if strings.TrimSpace(acceptVersion) == "" {
		return V10, true
	}
	var best Version
	for _, raw := range strings.Split(acceptVersion, ",") {
		v, err := ParseVersion(raw)
		if err != nil || v > max {
			continue
		}
		if v > best {
			best = v
		}
	}
	return best, best != ""
}

func (v Version) String() string {
	return string(v)
}
