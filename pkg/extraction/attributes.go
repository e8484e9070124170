package extraction

import (
	"regexp"
	"strconv"
	"strings"
)

// dimensionPattern matches a number preceded by a dimension keyword
// (width/breite/w, height/höhe/h, thickness/stärke/t, length/länge/l)
// and followed by its unit (mm, or m for length). Forms such as
// "N x M" or a keyword without a unit are not recognized, and a bare
// 3-4 digit number never matches (spec invariant 5, scenario S4:
// "Cod 234" is not a width).
var dimensionPattern = struct {
	width, height, thickness, length *regexp.Regexp
}{
	width:     regexp.MustCompile(`(?i)(?:width|breite|w)[\s:=]*([0-9]+(?:\.[0-9]+)?)\s*mm`),
	height:    regexp.MustCompile(`(?i)(?:height|h.he|h)[\s:=]*([0-9]+(?:\.[0-9]+)?)\s*mm`),
	thickness: regexp.MustCompile(`(?i)(?:thickness|st.rke|t)[\s:=]*([0-9]+(?:\.[0-9]+)?)\s*mm`),
	length:    regexp.MustCompile(`(?i)(?:length|l.nge|l)[\s:=]*([0-9]+(?:\.[0-9]+)?)\s*m\b`),
}

var brandPattern = regexp.MustCompile(`(?i)\b(3M|Tesa|Bobst|Schur)\b`)
var colorPattern = regexp.MustCompile(`(?i)\b(black|white|red|blue|green|yellow|clear|transparent)\b`)

// deriveAttributes extracts dimensional and descriptive attributes from
// a line item's raw name, matching only dimensions with explicit unit
// or keyword context — never a bare number.
func deriveAttributes(rawName string) Attributes {
	var attrs Attributes

	if m := dimensionPattern.width.FindStringSubmatch(rawName); m != nil {
		attrs.WidthMM = parseFloat(m[1])
	}
	if m := dimensionPattern.height.FindStringSubmatch(rawName); m != nil {
		attrs.HeightMM = parseFloat(m[1])
	}
	if m := dimensionPattern.thickness.FindStringSubmatch(rawName); m != nil {
		attrs.ThicknessMM = parseFloat(m[1])
	}
	if m := dimensionPattern.length.FindStringSubmatch(rawName); m != nil {
		attrs.LengthM = parseFloat(m[1])
	}
	if m := brandPattern.FindStringSubmatch(rawName); m != nil {
		attrs.Brand = strPtr(m[1])
	}
	if m := colorPattern.FindStringSubmatch(rawName); m != nil {
		attrs.Color = strPtr(strings.ToLower(m[1]))
	}

	return attrs
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func strPtr(s string) *string {
	return &s
}
