package esi

import "strings"

const (
	includeOpen      = "<esi:include"
	includeClose     = "</esi:include>"
	includeSelfClose = "/>"
)

// srcDelimiters lists the attribute forms tried by ExtractSrc, in order.
var srcDelimiters = []struct {
	open, close string
}{
	{`src="`, `"`},
	{`src='`, `'`},
	{`src=`, `>`},
}

// Directive is one <esi:include> occurrence located in a document.
type Directive struct {
	// Raw is the matched text, opener through closer inclusive.
	Raw string
	// Src is the extracted src attribute, empty when none was found.
	Src string
	// Start and End are the byte offsets of Raw in the scanned markup.
	Start int
	End   int
}

// FindIncludes returns the top-level include directives of markup in
// document order. Nothing inside an already matched span is matched again.
//
// An opener followed by neither an explicit nor a self-closing terminator is
// closed by the end of its own tag, the next '>'. Without even that it is
// malformed: it stays in the markup as literal text and the scan ends.
func FindIncludes(markup string) []Directive {
	var directives []Directive
	for pos := 0; ; {
		d, ok := nextInclude(markup, pos)
		if !ok {
			return directives
		}
		directives = append(directives, d)
		pos = d.End
	}
}

// HasIncludes reports whether markup contains at least one well-formed
// include directive.
func HasIncludes(markup string) bool {
	_, ok := nextInclude(markup, 0)
	return ok
}

// ExtractSrc pulls the src attribute out of a matched directive. Double
// quotes are tried first, then single quotes, then an unquoted value running
// up to the next '>'. The first non-empty value wins.
func ExtractSrc(tag string) string {
	for _, d := range srcDelimiters {
		if src := boundedString(tag, d.open, d.close); src != "" {
			return src
		}
	}
	return ""
}

func nextInclude(markup string, pos int) (Directive, bool) {
	if pos >= len(markup) {
		return Directive{}, false
	}
	open := strings.Index(markup[pos:], includeOpen)
	if open < 0 {
		return Directive{}, false
	}
	start := pos + open
	length, ok := directiveLength(markup[start:])
	if !ok {
		return Directive{}, false
	}
	raw := markup[start : start+length]
	return Directive{
		Raw:   raw,
		Src:   ExtractSrc(raw),
		Start: start,
		End:   start + length,
	}, true
}

// directiveLength picks the closer nearest to the opener at the start of s.
// The explicit closer wins ties.
func directiveLength(s string) (int, bool) {
	const tagEnd = ">"

	explicitEnd, selfEnd := -1, -1
	if i := strings.Index(s, includeClose); i >= 0 {
		explicitEnd = i + len(includeClose)
	}
	if i := strings.Index(s[len(includeOpen):], includeSelfClose); i >= 0 {
		selfEnd = len(includeOpen) + i + len(includeSelfClose)
	}

	switch {
	case explicitEnd >= 0 && (selfEnd < 0 || explicitEnd <= selfEnd):
		return explicitEnd, true
	case selfEnd >= 0:
		return selfEnd, true
	}

	if i := strings.Index(s[len(includeOpen):], tagEnd); i >= 0 {
		return len(includeOpen) + i + len(tagEnd), true
	}
	return 0, false
}

func boundedString(s, open, close string) string {
	before := strings.Index(s, open)
	if before < 0 {
		return ""
	}
	rest := s[before+len(open):]
	after := strings.Index(rest, close)
	if after < 0 {
		return ""
	}
	return rest[:after]
}

// splice rebuilds markup with each directive span replaced by the
// replacement at the same index. Directives must be ordered and
// non-overlapping, as FindIncludes returns them.
func splice(markup string, directives []Directive, replacements []string) string {
	size := len(markup)
	for i, d := range directives {
		size += len(replacements[i]) - (d.End - d.Start)
	}

	var b strings.Builder
	if size > 0 {
		b.Grow(size)
	}
	last := 0
	for i, d := range directives {
		b.WriteString(markup[last:d.Start])
		b.WriteString(replacements[i])
		last = d.End
	}
	b.WriteString(markup[last:])
	return b.String()
}
