// Package catalog parses the Aerowinx Variables.txt network variable
// definition file and answers mode queries for PSX keywords.
//
// Every network variable (Qs/Qi/Qh keyword) carries a routing mode that
// determines when a router forwards it: ECON and DELTA keywords flow on
// change, START keywords only during situation loads, DEMAND keywords only
// to clients that asked for them, and so on. The catalog is the single
// source of truth the routing rules consult.
package catalog

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"
)

// DownloadURL is where Variables.txt is fetched from when no local copy
// is available.
const DownloadURL = "https://aerowinx.com/assets/networkers/Variables.txt"

// Modes a network variable can carry in Variables.txt.
const (
	ModeEcon    = "ECON"
	ModeDelta   = "DELTA"
	ModeStart   = "START"
	ModeXEcon   = "XECON"
	ModeDemand  = "DEMAND"
	ModeXDelta  = "XDELTA"
	ModeMcpMom  = "MCPMOM"
	ModeBigMom  = "BIGMOM"
	ModeGuaMom4 = "GUAMOM4"
	ModeGuaMom2 = "GUAMOM2"
	ModeCduKeyb = "CDUKEYB"
	ModeRcp     = "RCP"
	ModeAcp     = "ACP"
	ModeMixed   = "MIXED"
)

// AttrNolong marks human-induced variables that a client may opt out of
// with the nolong keyword.
const AttrNolong = "NOLONG"

var validModes = map[string]bool{
	ModeEcon:    true,
	ModeDelta:   true,
	ModeStart:   true,
	ModeXEcon:   true,
	ModeDemand:  true,
	ModeXDelta:  true,
	ModeMcpMom:  true,
	ModeBigMom:  true,
	ModeGuaMom4: true,
	ModeGuaMom2: true,
	ModeCduKeyb: true,
	ModeRcp:     true,
	ModeAcp:     true,
	ModeMixed:   true,
}

// protocolKeywords are the bare protocol words that are not network
// variables but still legal line starts.
var protocolKeywords = map[string]bool{
	"exit":      true,
	"cduC":      true,
	"cduL":      true,
	"cduR":      true,
	"bang":      true,
	"name":      true,
	"id":        true,
	"start":     true,
	"lexicon":   true,
	"again":     true,
	"gid":       true,
	"version":   true,
	"layout":    true,
	"metar":     true,
	"demand":    true,
	"load1":     true,
	"load2":     true,
	"load3":     true,
	"keepalive": true,
}

// Entry is one network variable definition.
type Entry struct {
	Name  string
	Mode  string
	Attrs []string
	Min   float64
	Max   float64
}

// HasAttr reports whether the entry carries the given attribute (for
// example NOLONG).
func (e Entry) HasAttr(attr string) bool {
	for _, a := range e.Attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// Catalog holds the parsed variable definitions, keyed by keyword name.
type Catalog struct {
	entries map[string]Entry
}

// Parse reads a Variables.txt stream and builds a catalog.
//
// The file format is line-oriented: [section] headers are skipped,
// definition lines are semicolon-delimited fields of the form
// Name="Qs123"; Mode=ECON; Min=0; Max=10; plus free-form attributes.
func Parse(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading variable definitions: %w", err)
	}

	c := &Catalog{entries: make(map[string]Entry)}
	for lineNo, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "[") {
			continue
		}

		entry, ok, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		if !ok {
			continue
		}
		if _, dup := c.entries[entry.Name]; dup {
			return nil, fmt.Errorf("line %d: duplicate variable %q", lineNo+1, entry.Name)
		}
		c.entries[entry.Name] = entry
	}
	if len(c.entries) == 0 {
		return nil, fmt.Errorf("no variable definitions found")
	}

	augment(c)
	return c, nil
}

// parseLine parses one semicolon-delimited definition line. Returns
// ok=false for lines that are not variable definitions.
func parseLine(line string) (Entry, bool, error) {
	var (
		entry            Entry
		haveMin, haveMax bool
	)
	for _, field := range strings.Split(line, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, found := strings.Cut(field, "=")
		if !found {
			// Bare attribute like NOLONG.
			entry.Attrs = append(entry.Attrs, field)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			entry.Name = strings.Trim(value, `"`)
		case "Mode":
			if !validModes[value] {
				return Entry{}, false, fmt.Errorf("unknown mode %q", value)
			}
			entry.Mode = value
		case "Min":
			if _, err := fmt.Sscanf(value, "%g", &entry.Min); err != nil {
				return Entry{}, false, fmt.Errorf("bad Min %q: %w", value, err)
			}
			haveMin = true
		case "Max":
			if _, err := fmt.Sscanf(value, "%g", &entry.Max); err != nil {
				return Entry{}, false, fmt.Errorf("bad Max %q: %w", value, err)
			}
			haveMax = true
		}
	}
	if entry.Name == "" {
		return Entry{}, false, nil
	}
	if entry.Mode == "" {
		return Entry{}, false, fmt.Errorf("variable %q missing Mode", entry.Name)
	}
	if !haveMin || !haveMax {
		return Entry{}, false, fmt.Errorf("variable %q missing Min/Max", entry.Name)
	}
	return entry, true, nil
}

// augment applies the mode corrections the stock Variables.txt gets wrong
// for routing purposes.
func augment(c *Catalog) {
	// Qs493 and Qi208 behave as ECON on the wire even though the file
	// declares them otherwise.
	for _, name := range []string{"Qs493", "Qi208"} {
		if e, ok := c.entries[name]; ok && e.Mode != ModeEcon {
			e.Mode = ModeEcon
			c.entries[name] = e
		}
	}
	// CDU screen contents are human-induced: honor nolong for them.
	for _, name := range []string{
		"Qs375", "Qs376", "Qs377",
		"Qs407", "Qs408", "Qs409", "Qs410", "Qs411", "Qs412",
	} {
		if e, ok := c.entries[name]; ok && !e.HasAttr(AttrNolong) {
			e.Attrs = append(e.Attrs, AttrNolong)
			c.entries[name] = e
		}
	}
}

// Load builds a catalog from a local Variables.txt path. If path is empty
// or the file does not exist, the file is downloaded from aerowinx.com and
// cached at fallbackPath for the next start.
func Load(path, fallbackPath string) (*Catalog, error) {
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			return Parse(f)
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
	}
	if fallbackPath != "" {
		if f, err := os.Open(fallbackPath); err == nil {
			defer f.Close()
			return Parse(f)
		}
	}
	return Download(fallbackPath)
}

// Download fetches Variables.txt from aerowinx.com, optionally caching the
// raw file at cachePath.
func Download(cachePath string) (*Catalog, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("downloading variable definitions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading variable definitions: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downloading variable definitions: %w", err)
	}
	if cachePath != "" {
		// Cache failures are not fatal; the next start downloads again.
		_ = os.WriteFile(cachePath, data, 0o644)
	}
	return Parse(strings.NewReader(string(data)))
}

// ModeOf returns the routing mode for a keyword, or "" if the keyword is
// not a known network variable.
func (c *Catalog) ModeOf(keyword string) string {
	return c.entries[keyword].Mode
}

// Entry returns the full definition for a keyword.
func (c *Catalog) Entry(keyword string) (Entry, bool) {
	e, ok := c.entries[keyword]
	return e, ok
}

// IsVariable reports whether the keyword is a known network variable.
func (c *Catalog) IsVariable(keyword string) bool {
	_, ok := c.entries[keyword]
	return ok
}

// IsNolong reports whether the keyword is human-induced, i.e. suppressed
// for clients that sent nolong.
func (c *Catalog) IsNolong(keyword string) bool {
	return c.entries[keyword].HasAttr(AttrNolong)
}

// Len returns the number of variable definitions.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// KeywordsWithMode returns all keywords carrying one of the given modes,
// sorted in catalog order.
func (c *Catalog) KeywordsWithMode(modes ...string) []string {
	want := make(map[string]bool, len(modes))
	for _, m := range modes {
		want[m] = true
	}
	var out []string
	for name, e := range c.entries {
		if want[e.Mode] {
			out = append(out, name)
		}
	}
	SortKeywords(out)
	return out
}

// Keywords returns all known variable keywords in catalog order.
func (c *Catalog) Keywords() []string {
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	SortKeywords(out)
	return out
}

// IsProtocolKeyword reports whether the word is a bare protocol keyword
// rather than a network variable.
func IsProtocolKeyword(word string) bool {
	return protocolKeywords[word]
}

// SortKeywords sorts keywords alphanumerically, comparing digit runs by
// numeric value so Qs1 < Qs42 < Qs100.
func SortKeywords(keys []string) {
	slices.SortFunc(keys, CompareKeywords)
}

// CompareKeywords compares two keywords alphanumerically.
func CompareKeywords(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			// Compare the full digit runs numerically.
			ia, ib := i, j
			for ia < len(a) && isDigit(a[ia]) {
				ia++
			}
			for ib < len(b) && isDigit(b[ib]) {
				ib++
			}
			na := trimLeadingZeros(a[i:ia])
			nb := trimLeadingZeros(b[j:ib])
			if len(na) != len(nb) {
				if len(na) < len(nb) {
					return -1
				}
				return 1
			}
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			i, j = ia, ib
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	default:
		return 0
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func trimLeadingZeros(s string) string {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
