package render

import (
	"image/color"
	"strconv"
	"strings"
)

var colorNames = map[string]color.NRGBA{
	"white":   {255, 255, 255, 255},
	"black":   {0, 0, 0, 255},
	"red":     {255, 0, 0, 255},
	"green":   {0, 128, 0, 255},
	"blue":    {0, 0, 255, 255},
	"yellow":  {255, 255, 0, 255},
	"cyan":    {0, 255, 255, 255},
	"magenta": {255, 0, 255, 255},
	"orange":  {255, 165, 0, 255},
	"gray":    {128, 128, 128, 255},
	"grey":    {128, 128, 128, 255},
}

// namedColor resolves a color name or #RRGGBB hex string. The empty
// string, "none", and "transparent" resolve to no color at all.
func namedColor(name string) (color.NRGBA, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "none", "transparent":
		return color.NRGBA{}, false
	}
	if c, ok := colorNames[name]; ok {
		return c, true
	}
	if strings.HasPrefix(name, "#") && len(name) == 7 {
		if v, err := strconv.ParseUint(name[1:], 16, 32); err == nil {
			return color.NRGBA{
				R: uint8(v >> 16),
				G: uint8(v >> 8),
				B: uint8(v),
				A: 255,
			}, true
		}
	}
	return color.NRGBA{}, false
}
