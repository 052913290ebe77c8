// Package sym defines the glyphs Jarvis uses in CLI help text and as the
// structured "symbol" field on log lines.
package sym

// Command glyphs.
const (
	AM = "≡" // am - configuration and system settings
	IX = "⨳" // ix - fragment ingestion
	AX = "⋈" // ax - list results by time
	SE = "⊨" // se - semantic search over window summaries
	AT = "✦" // at - temporal marker (window boundaries)
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // window scheduling, retries, backend pacing
	PulseOpen  = "✿" // startup with window recovery
	PulseClose = "❀" // shutdown with grace period
	DB         = "⊔" // database/storage layer
)

// SymbolToCommand maps glyph strings to the CLI command they front.
var SymbolToCommand = map[string]string{
	AM:    "am",
	AX:    "ls",
	SE:    "search",
	Pulse: "pulse",
}

// CommandToSymbol maps CLI commands to their canonical glyph strings.
var CommandToSymbol = map[string]string{
	"am":     AM,
	"ls":     AX,
	"search": SE,
	"pulse":  Pulse,
}

// CommandDescriptions provides one-line explanations used in help output.
var CommandDescriptions = map[string]string{
	"am":     "Configuration - System settings and state",
	"ls":     "Expand - List window summaries by time",
	"search": "Semantic - Meaning-based search over summaries",
	"pulse":  "Pulse - Window scheduling daemon and failed-window tools",
}

// Prefix returns the glyph for a command followed by a space, or "" if the
// command has none.
func Prefix(cmd string) string {
	if s, ok := CommandToSymbol[cmd]; ok {
		return s + " "
	}
	return ""
}
