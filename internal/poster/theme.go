package poster

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownTheme is returned when a requested theme is not part of the
// configured set. Unknown themes fail rather than silently substituting.
var ErrUnknownTheme = errors.New("poster: unknown theme")

// DefaultTheme is applied when a request carries no theme.
const DefaultTheme = "Light"

// Theme is a named poster palette.
type Theme struct {
	Name       string
	Background color.NRGBA
	Foreground color.NRGBA
	Accent     color.NRGBA
}

// ThemeSet holds the enumerated themes accepted by the renderer. The
// built-in palettes can be overridden, but never extended or removed, by a
// YAML palette file.
type ThemeSet struct {
	themes map[string]Theme
}

func builtinThemes() map[string]Theme {
	return map[string]Theme{
		"Light": {
			Name:       "Light",
			Background: color.NRGBA{R: 0xF7, G: 0xF7, B: 0xF2, A: 0xFF},
			Foreground: color.NRGBA{R: 0x1A, G: 0x1A, B: 0x1A, A: 0xFF},
			Accent:     color.NRGBA{R: 0x8A, G: 0x8A, B: 0x7F, A: 0xFF},
		},
		"Dark": {
			Name:       "Dark",
			Background: color.NRGBA{R: 0x12, G: 0x12, B: 0x12, A: 0xFF},
			Foreground: color.NRGBA{R: 0xEA, G: 0xEA, B: 0xE4, A: 0xFF},
			Accent:     color.NRGBA{R: 0x6E, G: 0x6E, B: 0x64, A: 0xFF},
		},
		"Catppuccin": {
			Name:       "Catppuccin",
			Background: color.NRGBA{R: 0x1E, G: 0x1E, B: 0x2E, A: 0xFF},
			Foreground: color.NRGBA{R: 0xCD, G: 0xD6, B: 0xF4, A: 0xFF},
			Accent:     color.NRGBA{R: 0xCB, G: 0xA6, B: 0xF7, A: 0xFF},
		},
		"Gruvbox": {
			Name:       "Gruvbox",
			Background: color.NRGBA{R: 0x28, G: 0x28, B: 0x28, A: 0xFF},
			Foreground: color.NRGBA{R: 0xEB, G: 0xDB, B: 0xB2, A: 0xFF},
			Accent:     color.NRGBA{R: 0xD7, G: 0x99, B: 0x21, A: 0xFF},
		},
		"Nord": {
			Name:       "Nord",
			Background: color.NRGBA{R: 0x2E, G: 0x34, B: 0x40, A: 0xFF},
			Foreground: color.NRGBA{R: 0xD8, G: 0xDE, B: 0xE9, A: 0xFF},
			Accent:     color.NRGBA{R: 0x88, G: 0xC0, B: 0xD0, A: 0xFF},
		},
		"RosePine": {
			Name:       "RosePine",
			Background: color.NRGBA{R: 0x19, G: 0x17, B: 0x24, A: 0xFF},
			Foreground: color.NRGBA{R: 0xE0, G: 0xDE, B: 0xF4, A: 0xFF},
			Accent:     color.NRGBA{R: 0xEB, G: 0xBC, B: 0xBA, A: 0xFF},
		},
	}
}

// NewThemeSet returns the built-in themes.
func NewThemeSet() *ThemeSet {
	return &ThemeSet{themes: builtinThemes()}
}

// paletteSpec is the YAML shape for a theme override.
type paletteSpec struct {
	Background string `yaml:"background"`
	Foreground string `yaml:"foreground"`
	Accent     string `yaml:"accent"`
}

// LoadFile applies palette overrides from a YAML file mapping theme names to
// hex colors. Names outside the built-in set are rejected so the enumerated
// theme contract holds.
func (ts *ThemeSet) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading theme file: %w", err)
	}

	var specs map[string]paletteSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return fmt.Errorf("parsing theme file: %w", err)
	}

	for name, spec := range specs {
		theme, ok := ts.themes[name]
		if !ok {
			return fmt.Errorf("%w: %q in theme file", ErrUnknownTheme, name)
		}

		if theme.Background, err = overrideColor(theme.Background, spec.Background); err != nil {
			return fmt.Errorf("theme %s background: %w", name, err)
		}
		if theme.Foreground, err = overrideColor(theme.Foreground, spec.Foreground); err != nil {
			return fmt.Errorf("theme %s foreground: %w", name, err)
		}
		if theme.Accent, err = overrideColor(theme.Accent, spec.Accent); err != nil {
			return fmt.Errorf("theme %s accent: %w", name, err)
		}

		ts.themes[name] = theme
	}

	return nil
}

func overrideColor(current color.NRGBA, hex string) (color.NRGBA, error) {
	if hex == "" {
		return current, nil
	}
	return parseHexColor(hex)
}

func parseHexColor(s string) (color.NRGBA, error) {
	if len(s) != 7 || s[0] != '#' {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: expected #rrggbb", s)
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}

	return color.NRGBA{R: r, G: g, B: b, A: 0xFF}, nil
}

// Lookup resolves a theme name; an empty name resolves to the default.
func (ts *ThemeSet) Lookup(name string) (Theme, error) {
	if name == "" {
		name = DefaultTheme
	}

	theme, ok := ts.themes[name]
	if !ok {
		return Theme{}, fmt.Errorf("%w: %q", ErrUnknownTheme, name)
	}
	return theme, nil
}

// Names lists the configured theme names, sorted.
func (ts *ThemeSet) Names() []string {
	names := make([]string, 0, len(ts.themes))
	for name := range ts.themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
