package onnx

import (
	"strings"

	"github.com/samber/lo"
)

// ParsePassList extracts pass names from optimizer listing output. It accepts
// one name per line as well as a printed list such as ['a', 'b'].
func ParsePassList(lines []string) []string {
	var names []string
	for _, line := range lines {
		fields := strings.FieldsFunc(line, func(r rune) bool {
			switch r {
			case '[', ']', ',', '\'', '"', ' ', '\t':
				return true
			}
			return false
		})
		names = append(names, fields...)
	}
	return lo.Uniq(names)
}
