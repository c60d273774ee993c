package service

import (
	"strings"
	"unicode"
)

// NormalizeClusterName renders a data model cluster name the way
// chip-tool expects it on the command line: lower-case with spaces and
// slashes removed ("On/Off" becomes "onoff").
func NormalizeClusterName(name string) string {
	name = strings.ReplaceAll(name, "/", "")
	name = strings.ReplaceAll(name, " ", "")
	return strings.ToLower(name)
}

// KebabAttributeName renders a CamelCase attribute name in chip-tool's
// kebab-case argument form. A dash goes before each upper-case letter
// that neither starts the name nor continues an upper-case run, so
// "OnOff" becomes "on-off" while "RMSVoltage" becomes "rmsvoltage".
func KebabAttributeName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i := 0; i < len(name); i++ {
		c := rune(name[i])
		if i > 0 && unicode.IsUpper(c) && !unicode.IsUpper(rune(name[i-1])) {
			b.WriteByte('-')
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}
