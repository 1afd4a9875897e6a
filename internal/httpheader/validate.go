// Package httpheader checks user-configured HTTP header maps.
package httpheader

import (
	"fmt"
	"sort"
	"strings"
)

// Problems lists every invalid entry in headers, sorted by header name.
// It is empty when all entries can be sent as-is.
func Problems(headers map[string]string) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []string
	for _, rawName := range names {
		name := strings.TrimSpace(rawName)
		switch {
		case name == "":
			out = append(out, "header name must not be empty")
		case rawName != name:
			out = append(out, fmt.Sprintf("header %q has leading or trailing whitespace", rawName))
		case !validFieldName(name):
			out = append(out, fmt.Sprintf("header %q has invalid field name", name))
		case !validFieldValue(headers[rawName]):
			out = append(out, fmt.Sprintf("header %q has invalid field value", name))
		}
	}
	return out
}

func validFieldName(name string) bool {
	for i := 0; i < len(name); i++ {
		if !isTokenByte(name[i]) {
			return false
		}
	}
	return name != ""
}

func isTokenByte(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", b) >= 0
}

// validFieldValue rejects CR, LF, DEL and control bytes other than tab.
func validFieldValue(value string) bool {
	for i := 0; i < len(value); i++ {
		b := value[i]
		if b == 0x7f || (b < 0x20 && b != '\t') {
			return false
		}
	}
	return true
}
