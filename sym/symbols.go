// Package sym defines the segment symbols herald prints in logs and CLI output.
// Log lines carry the symbol as a structured field (see logger.AddPulseSymbol),
// so output can be filtered by subsystem.
package sym

const (
	AM = "≡" // configuration
	SO = "⟶" // outbound dispatch, the consequence of a fired job
)

// System infrastructure symbols.
const (
	Pulse      = "꩜" // scheduled jobs, due selection, execution
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
)

// Descriptions maps each symbol to a short label for CLI headers.
var Descriptions = map[string]string{
	AM:         "Configuration",
	SO:         "Dispatch",
	Pulse:      "Pulse",
	PulseOpen:  "Startup",
	PulseClose: "Shutdown",
	DB:         "Storage",
}

// Label returns "<glyph> <description>" for known symbols and the glyph alone otherwise.
func Label(glyph string) string {
	if d, ok := Descriptions[glyph]; ok {
		return glyph + " " + d
	}
	return glyph
}
