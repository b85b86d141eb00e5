package protocol

import "strings"

// JointMarker is the token the firmware prints after a joint angle table.
const JointMarker = "j"

// ParseJointTable parses the response to the "j" query:
//
//	0\t1\t2\t...\n
//	0,\t0,\t30,\t...\n
//	j\n
//
// An empty result means no data; callers must not read it as all zeros.
func ParseJointTable(raw string) []int {
	if raw == "" {
		return nil
	}
	lines := strings.Split(normalizeNewlines(raw), "\n")
	if len(lines) < 3 || !strings.Contains(lines[2], JointMarker) {
		return nil
	}

	for _, idx := range strings.Split(lines[0], "\t") {
		if strings.TrimSpace(idx) == "" {
			continue
		}
		if _, ok := leadingInt(idx); !ok {
			return nil
		}
	}

	var angles []int
	for _, item := range strings.Split(lines[1], ",\t") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		n, ok := leadingInt(item)
		if !ok {
			return nil
		}
		angles = append(angles, n)
	}
	return angles
}
