package protocol

import "strings"

// ParseScalar extracts a single integer reading from a device response.
// Unrecognized responses yield 0.
func ParseScalar(raw string) int {
	n, _ := ParseScalarOK(raw)
	return n
}

// ParseScalarOK is ParseScalar that also reports whether a reading was found.
//
// A response of the form "=\n<int>\n" is preferred; otherwise the first
// whitespace-separated token with an integer prefix wins ("4094 R").
func ParseScalarOK(raw string) (int, bool) {
	if raw == "" {
		return 0, false
	}
	raw = normalizeNewlines(raw)

	if strings.Contains(raw, "=") {
		lines := strings.Split(raw, "\n")
		for i := 0; i+1 < len(lines); i++ {
			if strings.TrimSpace(lines[i]) != "=" {
				continue
			}
			if n, ok := leadingInt(lines[i+1]); ok {
				return n, true
			}
		}
	}

	for _, word := range strings.Fields(raw) {
		if n, ok := leadingInt(word); ok {
			return n, true
		}
	}
	return 0, false
}
