package chiptool

import (
	"regexp"
	"strings"
)

var blockKeyRe = regexp.MustCompile(`(\w+)\s*=\s*$`)

// ExtractBlocks splits cleaned payload text into the top-level
// "Key = { ... }" messages it contains. A capture usually holds one
// ReportDataMessage or InvokeResponseMessage, but multi-message
// captures appear during commissioning.
//
// Braces are matched by depth. An opening brace at depth zero starts a
// block only when the text before it ends in "key ="; anonymous braces
// and stray closers are tolerated so a truncated capture degrades to
// fewer blocks instead of failing.
func ExtractBlocks(text string) []string {
	type open struct {
		key   string
		start int
	}

	var blocks []string
	var stack []open
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '{':
			if len(stack) == 0 {
				prefix := strings.TrimSpace(text[:i])
				if nl := strings.LastIndexByte(prefix, '\n'); nl >= 0 {
					prefix = prefix[nl+1:]
				}
				if m := blockKeyRe.FindStringSubmatch(prefix); m != nil {
					start := strings.LastIndex(text[:i], m[1])
					stack = append(stack, open{key: m[1], start: start})
					continue
				}
			}
			stack = append(stack, open{})
		case '}':
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && top.key != "" {
				blocks = append(blocks, text[top.start:i+1])
			}
		}
	}
	return blocks
}
