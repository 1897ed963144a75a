package modem

import (
	"regexp"
	"strings"
)

// URCKind classifies an unsolicited result code from the AT port.
type URCKind int

const (
	URCNone URCKind = iota
	URCRing
	URCCallerID
	URCNoCarrier
	URCBusy
)

// URC is a parsed unsolicited result code. Number is set only for URCCallerID.
type URC struct {
	Kind   URCKind
	Number string
	Raw    string
}

var clipRE = regexp.MustCompile(`\+CLIP:\s*"([^"]*)"`)

// ParseURC classifies a single line read from the AT port between command
// exchanges. Lines that are not a recognized notification return URCNone so
// the monitor loop can skip them.
func ParseURC(line string) URC {
	line = strings.TrimSpace(line)
	switch {
	case line == "RING" || strings.HasPrefix(line, "+CRING"):
		return URC{Kind: URCRing, Raw: line}
	case strings.HasPrefix(line, "+CLIP:"):
		u := URC{Kind: URCCallerID, Raw: line}
		if m := clipRE.FindStringSubmatch(line); m != nil {
			u.Number = m[1]
		}
		return u
	case strings.Contains(line, "NO CARRIER"):
		return URC{Kind: URCNoCarrier, Raw: line}
	case strings.Contains(line, "BUSY"):
		return URC{Kind: URCBusy, Raw: line}
	}
	return URC{Raw: line}
}
