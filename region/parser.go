package region

import (
	"strconv"
	"strings"
)

const marker = '@'

type tagGrammar struct {
	keyword string
	kind    Kind
	arity   func(n int) bool
}

var tagGrammars = []tagGrammar{
	{"rect", KindRectangle, func(n int) bool { return n == 4 || n == 8 }},
	{"circle", KindCircle, func(n int) bool { return n == 3 }},
	{"line", KindLine, func(n int) bool { return n == 4 }},
	{"point", KindPoint, func(n int) bool { return n == 2 }},
	{"poly", KindPolygon, func(n int) bool { return n >= 6 && n%2 == 0 }},
}

// Parse extracts regions from annotation text in a single left-to-right pass.
// At every marker, named shape labels are tried first, then explicit
// coordinate tags. Unresolved labels and malformed tags stay in the text.
func Parse(text string, elements []Element) Parsed {
	idx := newElementIndex(elements)

	var out Parsed
	var b strings.Builder
	last := 0
	for i := 0; i < len(text); {
		if text[i] != marker {
			i++
			continue
		}
		reg, n, note, ok := matchAt(text, i, idx)
		if ok && joinsAcrossCut(b.String()+text[last:i], text[i+n:], idx) {
			ok = false
		}
		if !ok {
			i++
			continue
		}
		b.WriteString(text[last:i])
		reg.Source = text[i : i+n]
		out.Regions = append(out.Regions, reg)
		out.Replacements = append(out.Replacements, note)
		i += n
		last = i
	}
	if last == 0 {
		out.Cleaned = text
		return out
	}
	b.WriteString(text[last:])
	out.Cleaned = b.String()
	return out
}

// joinsAcrossCut reports whether removing a match between before and after
// would let an earlier marker in before match text from after. Such a cut is
// refused so the cleaned text never parses to new regions.
func joinsAcrossCut(before, after string, idx elementIndex) bool {
	joined := before + after
	for p := strings.IndexByte(before, marker); p >= 0; {
		if _, n, _, ok := matchAt(joined, p, idx); ok && p+n > len(before) {
			return true
		}
		next := strings.IndexByte(before[p+1:], marker)
		if next < 0 {
			break
		}
		p += next + 1
	}
	return false
}

func matchAt(text string, at int, idx elementIndex) (Region, int, string, bool) {
	if key, n, ok := scanLabel(text, at+1); ok {
		raw := text[at+1 : at+1+n]
		if el, found := idx.lookup(key, raw); found {
			if reg, usable := elementRegion(el); usable {
				note := "@" + raw + " → " + string(reg.Kind) + " " + reg.Descriptor()
				return reg, n + 1, note, true
			}
		}
	}
	if reg, n, ok := scanTag(text, at+1); ok {
		instr := reg.Instruction
		if instr == "" {
			instr = "(no instruction)"
		}
		note := "@" + text[at+1:at+1+tagHeadLen(text, at+1)] + " → " + string(reg.Kind) + " " + reg.Descriptor() + " → " + instr
		return reg, n + 1, note, true
	}
	return Region{}, 0, "", false
}

// scanTag matches keyword(args)[:] instruction starting at pos.
func scanTag(text string, pos int) (Region, int, bool) {
	for _, g := range tagGrammars {
		end := pos + len(g.keyword)
		if end >= len(text) || !strings.EqualFold(text[pos:end], g.keyword) || text[end] != '(' {
			continue
		}
		nums, p, ok := scanArgs(text, end+1)
		if !ok || !g.arity(len(nums)) {
			return Region{}, 0, false
		}

		p = skipBlank(text, p)
		if p < len(text) && text[p] == ':' {
			p++
		}
		p = skipBlank(text, p)
		instrStart := p
		for p < len(text) && text[p] != marker && text[p] != '\n' {
			p++
		}

		reg := Region{Kind: g.kind, Instruction: strings.TrimSpace(text[instrStart:p])}
		switch g.kind {
		case KindRectangle:
			if len(nums) == 4 {
				reg.Points = rectFromXYWH(nums[0], nums[1], nums[2], nums[3])
			} else {
				reg.Points = pointsFromPairs(nums)
			}
		case KindCircle:
			reg.Points = []Point{{nums[0], nums[1]}}
			reg.Radius = nums[2]
		default:
			reg.Points = pointsFromPairs(nums)
		}
		return reg, p - pos, true
	}
	return Region{}, 0, false
}

// scanArgs reads "n, n, ..." up to and including the closing paren.
func scanArgs(text string, pos int) ([]float64, int, bool) {
	var nums []float64
	p := pos
	for {
		p = skipSpace(text, p)
		start := p
		for p < len(text) && isDigit(text[p]) {
			p++
		}
		if p == start {
			return nil, 0, false
		}
		if p < len(text) && text[p] == '.' {
			p++
			fracStart := p
			for p < len(text) && isDigit(text[p]) {
				p++
			}
			if p == fracStart {
				return nil, 0, false
			}
		}
		v, err := strconv.ParseFloat(text[start:p], 64)
		if err != nil {
			return nil, 0, false
		}
		nums = append(nums, v)

		p = skipSpace(text, p)
		if p >= len(text) {
			return nil, 0, false
		}
		switch text[p] {
		case ',':
			p++
		case ')':
			return nums, p + 1, true
		default:
			return nil, 0, false
		}
	}
}

// tagHeadLen is the length of "keyword(...)" for log output.
func tagHeadLen(text string, pos int) int {
	if i := strings.IndexByte(text[pos:], ')'); i >= 0 {
		return i + 1
	}
	return len(text) - pos
}

func skipSpace(text string, p int) int {
	for p < len(text) {
		switch text[p] {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			p++
		default:
			return p
		}
	}
	return p
}

func skipBlank(text string, p int) int {
	for p < len(text) && (text[p] == ' ' || text[p] == '\t') {
		p++
	}
	return p
}
