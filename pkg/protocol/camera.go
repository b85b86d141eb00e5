package protocol

import (
	"regexp"
	"strings"
)

// Coordinate is one camera detection. Found is false when no target was
// reported, which is distinct from a target at the origin.
type Coordinate struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
	Found  bool
}

// Values returns [x, y, width, height], or nil when nothing was found.
func (c Coordinate) Values() []float64 {
	if !c.Found {
		return nil
	}
	return []float64{c.X, c.Y, c.Width, c.Height}
}

var (
	cameraBlock  = regexp.MustCompile(`(?i)=\s*\n([^\n]+)\nX`)
	cameraCoords = regexp.MustCompile(`(?i)(-?\d+(?:\.\d+)?)\s+(-?\d+(?:\.\d+)?)\s+size\s*=\s*(\d+)\s+(\d+)`)
	legacySplit  = regexp.MustCompile(`\t+`)
	legacyMarker = regexp.MustCompile(`(?i)x`)
)

// ParseCameraCoordinate extracts the most recent detection from raw, then
// from tail (the end of the live telemetry stream) when raw has none.
//
// Two layouts are accepted:
//
//	=
//	-23.00 20.00 size = 42 56
//	X
//
// and the legacy tab-separated form whose third line carries an x marker
// and whose first line holds x, y, width, height at indexes 0, 1, 4, 5.
func ParseCameraCoordinate(raw, tail string) Coordinate {
	if c := extractCoordinate(raw); c.Found {
		return c
	}
	return extractCoordinate(tail)
}

func extractCoordinate(text string) Coordinate {
	if text == "" {
		return Coordinate{}
	}
	norm := normalizeNewlines(text)

	// Concatenated output can hold several frames; only the last is current.
	if blocks := cameraBlock.FindAllStringSubmatch(norm, -1); len(blocks) > 0 {
		if c, ok := parseCoordsLine(blocks[len(blocks)-1][1]); ok {
			return c
		}
	}

	var lines []string
	for _, line := range strings.Split(norm, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) >= 3 && legacyMarker.MatchString(lines[2]) {
		args := legacySplit.Split(lines[0], -1)
		if len(args) >= 6 {
			x, okX := leadingFloat(args[0])
			y, okY := leadingFloat(args[1])
			w, okW := leadingFloat(args[4])
			h, okH := leadingFloat(args[5])
			if okX && okY && okW && okH {
				return Coordinate{X: x, Y: y, Width: w, Height: h, Found: true}
			}
		}
	}
	return Coordinate{}
}

func parseCoordsLine(line string) (Coordinate, bool) {
	m := cameraCoords.FindStringSubmatch(line)
	if m == nil {
		return Coordinate{}, false
	}
	vals := make([]float64, 4)
	for i := range vals {
		v, ok := leadingFloat(m[i+1])
		if !ok {
			return Coordinate{}, false
		}
		vals[i] = v
	}
	return Coordinate{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3], Found: true}, true
}

// LatestFrame finds the last complete camera frame in a telemetry buffer and
// returns it with its identity key. The key is the "=" line, the coordinate
// line and the X marker joined by '|'; it changes whenever a new frame
// arrives even though frames carry no timestamps. An empty key means no
// frame.
func LatestFrame(buffer string) (Coordinate, string) {
	if buffer == "" {
		return Coordinate{}, ""
	}
	lines := strings.Split(normalizeNewlines(buffer), "\n")

	xIdx := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "X" {
			xIdx = i
			break
		}
	}
	if xIdx < 1 {
		return Coordinate{}, ""
	}

	coordsLine := strings.TrimSpace(lines[xIdx-1])
	eqLine := ""
	if xIdx >= 2 {
		eqLine = strings.TrimSpace(lines[xIdx-2])
	}
	c, ok := parseCoordsLine(coordsLine)
	if !ok {
		return Coordinate{}, ""
	}
	return c, eqLine + "|" + coordsLine + "|X"
}
