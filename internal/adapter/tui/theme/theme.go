// Package theme holds the styles shared by the terminal viewers.
// Colors adapt to light and dark terminals; NO_COLOR is honored by lipgloss.
package theme

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	ColorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	ColorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	ColorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#6a1b9a", Dark: "#ce93d8"}
	ColorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}

	ColorBorder = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
	ColorBgAlt  = lipgloss.AdaptiveColor{Light: "#f5f5f5", Dark: "#2d2d2d"}
	ColorFgDim  = lipgloss.AdaptiveColor{Light: "#9e9e9e", Dark: "#757575"}
)

var (
	Bold = lipgloss.NewStyle().Bold(true)
	Dim  = lipgloss.NewStyle().Faint(true)

	TextSuccess = lipgloss.NewStyle().Foreground(ColorSuccess).Bold(true)
	TextError   = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	TextWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)
	TextInfo    = lipgloss.NewStyle().Foreground(ColorInfo)
	TextAccent  = lipgloss.NewStyle().Foreground(ColorAccent)
	TextMuted   = lipgloss.NewStyle().Foreground(ColorMuted)
)

// Sender labels.
var (
	UserLabel   = lipgloss.NewStyle().Foreground(ColorInfo).Bold(true)
	AgentLabel  = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	SystemLabel = lipgloss.NewStyle().Foreground(ColorMuted).Bold(true)
	Timestamp   = lipgloss.NewStyle().Foreground(ColorFgDim).Faint(true)
)

// Layout.
var (
	Header    = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(ColorBorder)
	StatusBar = lipgloss.NewStyle().Foreground(ColorFgDim).Background(ColorBgAlt).Padding(0, 1)
	StatusKey = lipgloss.NewStyle().Foreground(ColorInfo).Bold(true)
)

// Symbols fall back to ASCII on terminals without UTF-8.
var (
	SymbolError   = "✗"
	SymbolInfo    = "●"
	SymbolSpinner = "⏳"
	SymbolArrowR  = "→"
	SymbolChain   = "↪"
)

func init() { InitSymbols() }

// InitSymbols picks unicode or ASCII symbols. PARLEY_ASCII_SYMBOLS=1 forces
// ASCII; otherwise the locale decides and unicode is the default.
func InitSymbols() {
	if unicodeSupported() {
		SymbolError, SymbolInfo, SymbolSpinner, SymbolArrowR, SymbolChain = "✗", "●", "⏳", "→", "↪"
		return
	}
	SymbolError, SymbolInfo, SymbolSpinner, SymbolArrowR, SymbolChain = "[ERR]", "[i]", "[...]", "->", "=>"
}

func unicodeSupported() bool {
	if v := os.Getenv("PARLEY_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "" {
			continue
		}
		return strings.Contains(val, "utf-8") || strings.Contains(val, "utf8")
	}
	return true
}
