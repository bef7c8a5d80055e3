// Package termparser implements the OSC 133/7/1337 and DEC-private CSI
// state machine that extracts prompt/command boundaries from PTY output and
// filters prompt-region noise out of what the host displays.
package termparser

import (
	"strconv"

	"github.com/charmbracelet/x/ansi"
)

// Region is the semantic zone the parser believes it is currently inside.
type Region int

const (
	RegionOutput Region = iota
	RegionPrompt
	RegionInput
)

// EventKind discriminates an Event's payload.
type EventKind int

const (
	EventPromptStart EventKind = iota
	EventPromptEnd
	EventCommandStart
	EventCommandEnd
	EventDirectoryChanged
	EventVirtualEnvChanged
	EventAlternateScreenEnabled
	EventAlternateScreenDisabled
	EventSynchronizedOutputEnabled
	EventSynchronizedOutputDisabled
)

// Event is one semantic signal extracted from the byte stream.
type Event struct {
	Kind     EventKind
	Command  string // EventCommandStart, "" if absent
	ExitCode int    // EventCommandEnd, defaults to 0
	Path     string // EventDirectoryChanged
	VEnvName string // EventVirtualEnvChanged, "" means deactivated
}

// Result is what one Parse call produces: semantic events plus the bytes
// the host should actually render.
type Result struct {
	Events []Event
	Output []byte
}

// Parser is a long-lived, single-producer object bound to one PTY session.
// It is not safe for concurrent use from multiple goroutines.
type Parser struct {
	region          Region
	lastDirectory   string
	haveLastDir     bool
	lastVirtualEnv  string
	haveLastVEnv    bool
	alternateScreen bool

	// carried across Parse calls so escape sequences split across reads
	// are reassembled correctly.
	pending []byte
}

// New creates a Parser starting in the Output region with no alternate
// screen active.
func New() *Parser {
	return &Parser{region: RegionOutput}
}

// InAlternateScreen reports whether the parser currently believes a TUI
// application has the alternate screen buffer active.
func (p *Parser) InAlternateScreen() bool { return p.alternateScreen }

// Parse consumes raw bytes and returns semantic events plus filtered
// output. Bytes printed while region==Prompt are omitted from Output;
// within Input and Output, printable runes and the whitelisted control
// codes (LF, CR, TAB, BS) pass through. When the alternate screen is (or
// becomes) active, the raw input is returned unfiltered so TUI apps
// render correctly.
func (p *Parser) Parse(data []byte) Result {
	wasAlternate := p.alternateScreen

	var events []Event
	var visible []byte

	buf := append(p.pending, data...)
	p.pending = nil

	i := 0
	for i < len(buf) {
		b := buf[i]
		switch {
		case b == 0x1b && i+1 < len(buf) && buf[i+1] == ']':
			// ESC ] ... OSC sequence.
			end, ok := findStringTerminator(buf, i+2)
			if !ok {
				p.pending = buf[i:]
				i = len(buf)
				break
			}
			payload := buf[i+2 : end]
			if ev, ok := p.handleOSC(payload); ok {
				events = append(events, ev)
			}
			i = advancePastTerminator(buf, end)

		case b == 0x1b && i+1 < len(buf) && buf[i+1] == '[':
			// ESC [ ... CSI sequence.
			end, ok := findCSITerminator(buf, i+2)
			if !ok {
				p.pending = buf[i:]
				i = len(buf)
				break
			}
			params := buf[i+2 : end]
			action := buf[end]
			if ev, ok := p.handleCSI(params, action); ok {
				events = append(events, ev)
			}
			i = end + 1

		case b == 0x1b && i+1 >= len(buf):
			// Lone ESC at the end of this chunk: could be the start of a
			// sequence split across reads.
			p.pending = buf[i:]
			i = len(buf)

		default:
			if p.region != RegionPrompt {
				if isPassthroughByte(b) {
					visible = append(visible, b)
				}
			}
			i++
		}
	}

	useRaw := wasAlternate || p.alternateScreen
	out := visible
	if useRaw {
		out = append([]byte(nil), data...)
	}

	return Result{Events: events, Output: out}
}

// isPassthroughByte reports whether byte b is a printable character or one
// of the whitelisted control codes (LF, CR, TAB, BS).
func isPassthroughByte(b byte) bool {
	if b >= 0x20 && b != 0x7f {
		return true
	}
	switch b {
	case 0x0A, 0x0D, 0x09, 0x08:
		return true
	default:
		return false
	}
}

// findStringTerminator locates the end of an OSC payload: either BEL (0x07)
// or ST (ESC \). Returns the index of the terminator's first byte.
func findStringTerminator(buf []byte, start int) (int, bool) {
	for i := start; i < len(buf); i++ {
		if buf[i] == 0x07 {
			return i, true
		}
		if buf[i] == 0x1b && i+1 < len(buf) && buf[i+1] == '\\' {
			return i, true
		}
	}
	return 0, false
}

// advancePastTerminator returns the index just past the terminator found at idx.
func advancePastTerminator(buf []byte, idx int) int {
	if idx < len(buf) && buf[idx] == 0x07 {
		return idx + 1
	}
	return idx + 2 // ESC \
}

// findCSITerminator locates the final byte of a CSI sequence: the first
// byte in the 0x40-0x7e range following the parameter bytes.
func findCSITerminator(buf []byte, start int) (int, bool) {
	for i := start; i < len(buf); i++ {
		if buf[i] >= 0x40 && buf[i] <= 0x7e {
			return i, true
		}
	}
	return 0, false
}

func (p *Parser) handleCSI(params []byte, action byte) (Event, bool) {
	if len(params) == 0 || params[0] != '?' {
		return Event{}, false
	}
	if action != 'h' && action != 'l' {
		return Event{}, false
	}
	enable := action == 'h'

	for _, modeStr := range splitBytes(params[1:], ';') {
		mode, err := strconv.Atoi(string(modeStr))
		if err != nil {
			continue
		}
		switch mode {
		case 1049, 47, 1047:
			if enable && !p.alternateScreen {
				p.alternateScreen = true
				return Event{Kind: EventAlternateScreenEnabled}, true
			} else if !enable && p.alternateScreen {
				p.alternateScreen = false
				return Event{Kind: EventAlternateScreenDisabled}, true
			}
		case 2026:
			if enable {
				return Event{Kind: EventSynchronizedOutputEnabled}, true
			}
			return Event{Kind: EventSynchronizedOutputDisabled}, true
		}
	}
	return Event{}, false
}

func (p *Parser) handleOSC(payload []byte) (Event, bool) {
	parts := splitBytes(payload, ';')
	if len(parts) == 0 {
		return Event{}, false
	}
	cmd := string(parts[0])

	switch cmd {
	case "133":
		return p.handleOSC133(parts)
	case "7":
		return p.handleOSC7(parts)
	case "1337":
		return p.handleOSC1337(parts)
	default:
		return Event{}, false
	}
}

func (p *Parser) handleOSC133(parts [][]byte) (Event, bool) {
	if len(parts) < 2 {
		return Event{}, false
	}
	marker := string(parts[1])
	var extra string
	if len(parts) > 2 {
		extra = string(parts[2])
	}
	if marker == "" {
		return Event{}, false
	}

	switch marker[0] {
	case 'A':
		p.region = RegionPrompt
		return Event{Kind: EventPromptStart}, true
	case 'B':
		p.region = RegionInput
		return Event{Kind: EventPromptEnd}, true
	case 'C':
		p.region = RegionOutput
		cmd := extra
		if len(marker) > 2 && marker[1] == ';' {
			cmd = marker[2:]
		}
		return Event{Kind: EventCommandStart, Command: cmd}, true
	case 'D':
		p.region = RegionOutput
		codeStr := extra
		if len(marker) > 2 && marker[1] == ';' {
			codeStr = marker[2:]
		}
		code := 0
		if codeStr != "" {
			if v, err := strconv.Atoi(codeStr); err == nil {
				code = v
			}
		}
		return Event{Kind: EventCommandEnd, ExitCode: code}, true
	default:
		return Event{}, false
	}
}

func (p *Parser) handleOSC7(parts [][]byte) (Event, bool) {
	if len(parts) < 2 {
		return Event{}, false
	}
	url := string(parts[1])
	const prefix = "file://"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return Event{}, false
	}
	rest := url[len(prefix):]
	idx := indexByte(rest, '/')
	if idx < 0 {
		return Event{}, false
	}
	path := decodeURLPath(rest[idx:])

	if p.haveLastDir && p.lastDirectory == path {
		return Event{}, false
	}
	p.lastDirectory = path
	p.haveLastDir = true
	return Event{Kind: EventDirectoryChanged, Path: path}, true
}

func (p *Parser) handleOSC1337(parts [][]byte) (Event, bool) {
	if len(parts) < 2 {
		return Event{}, false
	}
	data := string(parts[1])
	const prefix = "VirtualEnv="
	var name string
	if len(data) >= len(prefix) && data[:len(prefix)] == prefix {
		name = data[len(prefix):]
	} else {
		name = data
	}

	isDup := false
	if name == "" {
		isDup = !p.haveLastVEnv || p.lastVirtualEnv == ""
	} else {
		isDup = p.haveLastVEnv && p.lastVirtualEnv == name
	}
	if isDup {
		return Event{}, false
	}
	p.lastVirtualEnv = name
	p.haveLastVEnv = true
	return Event{Kind: EventVirtualEnvChanged, VEnvName: name}, true
}

func splitBytes(b []byte, sep byte) [][]byte {
	var out [][]byte
	start := 0
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == sep {
			out = append(out, b[start:i])
			start = i + 1
		}
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// decodeURLPath percent-decodes %HH sequences with lenient fallback for
// malformed escapes.
func decodeURLPath(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, okHi := hexVal(s[i+1])
			lo, okLo := hexVal(s[i+2])
			if okHi && okLo {
				out = append(out, byte(hi<<4|lo))
				i += 2
				continue
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}

// StripSGR removes color/style escape sequences from already-filtered
// Output, for callers (tool-result previews, transcript lines) that render
// to a plain-text sink and cannot interpret SGR state.
func StripSGR(s string) string {
	return ansi.Strip(s)
}

func hexVal(b byte) (int, bool) {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0'), true
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10, true
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10, true
	default:
		return 0, false
	}
}
