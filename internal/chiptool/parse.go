package chiptool

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse turns one cleaned payload block into a Go value tree of
// map[string]any, []any, uint64 and string leaves.
//
// The payload grammar is loose: braces group elements, brackets list
// them, and "key = value" pairs may repeat. Shapes are normalized so
// consumers see predictable types:
//
//   - a group of key=value pairs becomes a map
//   - a group of bare scalars becomes a list
//   - a single nested group collapses into its parent
//   - repeated keys inside brackets become a list of one-entry maps
//
// Numeric leaves parse as uint64, hex (0x, underscores allowed) or
// decimal. Anything else stays a string.
func Parse(text string) (any, error) {
	p := &parser{toks: tokenize(text)}
	var items []any
	for p.peek().kind != tokEOF {
		e, err := p.element()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return collapseGroup(items), nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokWord
	tokString
	tokLBrace
	tokRBrace
	tokLBrack
	tokRBrack
	tokEqual
)

type token struct {
	kind tokKind
	text string
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}

func tokenize(text string) []token {
	var toks []token
	for i := 0; i < len(text); {
		switch b := text[i]; {
		case b == '{':
			toks = append(toks, token{kind: tokLBrace})
			i++
		case b == '}':
			toks = append(toks, token{kind: tokRBrace})
			i++
		case b == '[':
			toks = append(toks, token{kind: tokLBrack})
			i++
		case b == ']':
			toks = append(toks, token{kind: tokRBrack})
			i++
		case b == '=':
			toks = append(toks, token{kind: tokEqual})
			i++
		case b == '"':
			j := i + 1
			for j < len(text) && text[j] != '"' {
				if text[j] == '\\' && j+1 < len(text) {
					j++
				}
				j++
			}
			end := j
			if j < len(text) {
				j++
			}
			toks = append(toks, token{kind: tokString, text: unquote(text[i:min(j, len(text))], text[i+1:end])})
			i = j
		case isWordByte(b):
			j := i
			for j < len(text) && isWordByte(text[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: text[i:j]})
			i = j
		default:
			i++
		}
	}
	return append(toks, token{kind: tokEOF})
}

func unquote(quoted, inner string) string {
	if s, err := strconv.Unquote(quoted); err == nil {
		return s
	}
	return inner
}

// pair is a parsed "key = value" element before group collapsing.
type pair struct {
	key string
	val any
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) element() (any, error) {
	switch t := p.next(); t.kind {
	case tokLBrace:
		items, err := p.until(tokRBrace)
		if err != nil {
			return nil, err
		}
		return collapseGroup(items), nil
	case tokLBrack:
		items, err := p.until(tokRBrack)
		if err != nil {
			return nil, err
		}
		return collapseList(items), nil
	case tokWord:
		if p.peek().kind == tokEqual {
			p.next()
			v, err := p.element()
			if err != nil {
				return nil, err
			}
			return pair{key: t.text, val: v}, nil
		}
		return scalar(t.text), nil
	case tokString:
		return t.text, nil
	default:
		return nil, fmt.Errorf("unexpected token at position %d", p.pos)
	}
}

func (p *parser) until(closer tokKind) ([]any, error) {
	var items []any
	for {
		switch p.peek().kind {
		case closer:
			p.next()
			return items, nil
		case tokEOF:
			return nil, fmt.Errorf("unterminated group")
		}
		e, err := p.element()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
}

func scalar(s string) any {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if v, err := strconv.ParseUint(strings.ReplaceAll(s[2:], "_", ""), 16, 64); err == nil {
			return v
		}
		return s
	}
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v
	}
	return s
}

// collapseGroup normalizes the contents of a brace group.
func collapseGroup(items []any) any {
	if len(items) == 0 {
		return []any{}
	}
	if len(items) == 1 {
		switch v := items[0].(type) {
		case []any:
			return v
		case map[string]any:
			return v
		}
	}

	allPairs, allScalars, allMaps := true, true, true
	for _, it := range items {
		switch it.(type) {
		case pair:
			allScalars, allMaps = false, false
		case map[string]any:
			allPairs, allScalars = false, false
		case []any:
			allPairs, allScalars, allMaps = false, false, false
		default:
			allPairs, allMaps = false, false
		}
	}

	switch {
	case allScalars:
		return items
	case allPairs:
		m := make(map[string]any, len(items))
		for _, it := range items {
			p := it.(pair)
			m[p.key] = p.val
		}
		return m
	case allMaps:
		return items
	default:
		return materialize(items)
	}
}

// collapseList normalizes the contents of a bracket group. A lone
// "key = value" entry collapses to its map so a single-element report
// list reads like the element itself.
func collapseList(items []any) any {
	out := materialize(items)
	if len(out) == 1 {
		switch v := out[0].(type) {
		case map[string]any:
			return v
		case []any:
			return v
		}
	}
	return out
}

func materialize(items []any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		if p, ok := it.(pair); ok {
			out = append(out, map[string]any{p.key: p.val})
		} else {
			out = append(out, it)
		}
	}
	return out
}
