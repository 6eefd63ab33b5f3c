package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// RDP (router dialect protocol) messages travel inside PSX addon lines:
//
//	addon=FRANKENROUTER:<version>:<VERB>[:payload]
//
// The payload may contain further colons; it is the verb's business to
// interpret it.

// Namespace is the addon namespace reserved for router-to-router traffic.
const Namespace = "FRANKENROUTER"

// RDPVersion is the dialect version this router speaks. Peers announcing
// any other version are disconnected.
const RDPVersion = 1

// RDP verbs.
const (
	VerbPing            = "PING"
	VerbPong            = "PONG"
	VerbIdent           = "IDENT"
	VerbClientInfo      = "CLIENTINFO"
	VerbRouterInfo      = "ROUTERINFO"
	VerbSharedInfo      = "SHAREDINFO"
	VerbMyControls      = "MY_CONTROLS"
	VerbAllControlLocks = "ALL_CONTROL_LOCKS"
	VerbNoControlLocks  = "NO_CONTROL_LOCKS"
	VerbFlightControls  = "FLIGHTCONTROLS"
	VerbAuth            = "AUTH"
	VerbJoin            = "JOIN"
	VerbBang            = "BANG"
)

// Addon is a parsed addon= line.
type Addon struct {
	// Namespace is the addon namespace, e.g. FRANKENROUTER or VPLG.
	Namespace string
	// Rest is everything after the namespace and its colon.
	Rest string
}

// ParseAddon splits an addon= value into namespace and payload. Returns
// ok=false if the value has no namespace separator.
func ParseAddon(value string) (Addon, bool) {
	ns, rest, found := strings.Cut(value, ":")
	if !found || ns == "" {
		return Addon{}, false
	}
	return Addon{Namespace: ns, Rest: rest}, true
}

// RDPMessage is a parsed FRANKENROUTER addon payload.
type RDPMessage struct {
	Version int
	Verb    string
	Payload string
}

// ParseRDP parses the payload of a FRANKENROUTER addon line. A version
// field that is not an integer parses as version 0, which the caller
// treats as a mismatch.
func ParseRDP(rest string) (RDPMessage, error) {
	versionField, after, found := strings.Cut(rest, ":")
	if !found {
		return RDPMessage{}, fmt.Errorf("malformed router message %q: missing verb", rest)
	}
	version, err := strconv.Atoi(versionField)
	if err != nil {
		version = 0
	}
	verb, payload, _ := strings.Cut(after, ":")
	if verb == "" {
		return RDPMessage{}, fmt.Errorf("malformed router message %q: empty verb", rest)
	}
	return RDPMessage{Version: version, Verb: verb, Payload: payload}, nil
}

// EncodeRDP builds a full addon= line for a router message.
func EncodeRDP(verb, payload string) string {
	if payload == "" {
		return fmt.Sprintf("addon=%s:%d:%s", Namespace, RDPVersion, verb)
	}
	return fmt.Sprintf("addon=%s:%d:%s:%s", Namespace, RDPVersion, verb, payload)
}
