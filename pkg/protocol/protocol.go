// Package protocol implements the PSX line protocol primitives: line
// splitting, keyword extraction, name heuristics, and the FRANKENROUTER
// router-to-router addon dialect (RDP).
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// DisplayNameMaxLen caps client display names; longer names are truncated.
const DisplayNameMaxLen = 24

// Message is one parsed PSX line.
type Message struct {
	// Raw is the full line without its terminator.
	Raw string
	// Keyword is the part before '=', or the whole line for bare words.
	Keyword string
	// Value is the part after '=', empty for bare words.
	Value string
	// HasValue distinguishes "key=" from a bare "key".
	HasValue bool
}

// ParseLine splits a PSX line into keyword and value. PSX lines are either
// bare words (bang, load1, exit) or key=value pairs; the value may itself
// contain '='.
func ParseLine(line string) Message {
	key, value, found := strings.Cut(line, "=")
	return Message{
		Raw:      line,
		Keyword:  key,
		Value:    value,
		HasValue: found,
	}
}

// IsKeywordVariable reports whether the keyword names a network variable
// (Qs/Qi/Qh or Ls/Li/Lh lexicon entries).
func IsKeywordVariable(keyword string) bool {
	if len(keyword) < 2 {
		return false
	}
	switch keyword[0] {
	case 'Q', 'L':
		switch keyword[1] {
		case 's', 'i', 'h':
			return true
		}
	}
	return false
}

var routerNameRe = regexp.MustCompile(`.*:FRANKEN\.(PY|GO) frankenrouter`)

// IsRouterName reports whether a name= value identifies a frankenrouter
// peer (either implementation).
func IsRouterName(name string) bool {
	return routerNameRe.MatchString(name)
}

// SelfName builds the name= value this router announces to its upstream
// and to connecting routers.
func SelfName(simName, routerName string) string {
	return fmt.Sprintf("%s:FRANKEN.GO frankenrouter PSX router %s", simName, routerName)
}

// DisplayName derives a short human-readable label from a client's name=
// value. Known addons get friendlier labels; everything else is the name
// truncated to DisplayNameMaxLen.
func DisplayName(name string) string {
	display := name
	switch {
	case strings.Contains(name, "PSX.NET EFB"):
		if first, _, ok := strings.Cut(name, ":"); ok {
			display = first
		}
	case strings.Contains(name, ":PSX Sounds"):
		display = "PSX Sounds"
	case strings.HasPrefix(name, "MSFS Router"):
		display = "MSFS Router"
	case strings.HasPrefix(name, "BACARS:"):
		display = "BACARS"
	case strings.Contains(name, "VPLG:"):
		display = "vPilot"
	case strings.Contains(name, ":FRANKEN.PY"), strings.Contains(name, ":FRANKEN.GO"):
		if first, _, ok := strings.Cut(name, ":"); ok {
			display = first
		}
	}
	if len(display) > DisplayNameMaxLen {
		display = display[:DisplayNameMaxLen]
	}
	return display
}

// RandomID returns a short random hex token, used for PING correlation.
func RandomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
