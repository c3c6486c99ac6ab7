package region

import (
	"math"
	"strconv"
	"strings"
)

type shape string

const (
	shapeRectangle shape = "rectangle"
	shapeCircle    shape = "circle"
	shapeBrush     shape = "brush"
)

// Longer words first so "rectangle" wins over "rect".
var shapeWords = []struct {
	word  string
	shape shape
	latin bool
}{
	{"矩形", shapeRectangle, false},
	{"圆形", shapeCircle, false},
	{"画笔", shapeBrush, false},
	{"rectangle", shapeRectangle, true},
	{"rect", shapeRectangle, true},
	{"circle", shapeCircle, true},
	{"brush", shapeBrush, true},
}

var cjkOrdinals = []string{"一", "二", "三", "四", "五", "六", "七", "八", "九", "十"}

var latinOrdinals = []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine", "ten"}

// scanLabel matches a shape label (without the marker) starting at pos and
// returns its lookup key and the number of bytes consumed.
func scanLabel(text string, pos int) (string, int, bool) {
	for _, sw := range shapeWords {
		end := pos + len(sw.word)
		if end > len(text) {
			continue
		}
		word := text[pos:end]
		if sw.latin {
			if !strings.EqualFold(word, sw.word) {
				continue
			}
		} else if word != sw.word {
			continue
		}

		p := end
		n, used := scanOrdinal(text, p)
		if used == 0 && sw.latin && p < len(text) && (text[p] == ' ' || text[p] == '_') {
			n, used = scanOrdinal(text, p+1)
			if used > 0 {
				used++
			}
		}
		if used == 0 {
			continue
		}
		return labelKey(sw.shape, n), end + used - pos, true
	}
	return "", 0, false
}

func scanOrdinal(text string, pos int) (int, int) {
	if pos >= len(text) {
		return 0, 0
	}
	if isDigit(text[pos]) {
		end := pos
		for end < len(text) && isDigit(text[end]) {
			end++
		}
		n, err := strconv.Atoi(text[pos:end])
		if err != nil {
			return 0, 0
		}
		return n, end - pos
	}
	for i, w := range cjkOrdinals {
		if strings.HasPrefix(text[pos:], w) {
			return i + 1, len(w)
		}
	}
	for i, w := range latinOrdinals {
		end := pos + len(w)
		if end > len(text) || !strings.EqualFold(text[pos:end], w) {
			continue
		}
		if end < len(text) && isLetter(text[end]) {
			continue
		}
		return i + 1, len(w)
	}
	return 0, 0
}

func labelKey(s shape, n int) string {
	return string(s) + "#" + strconv.Itoa(n)
}

type elementIndex struct {
	byKey  map[string]Element
	byName map[string]Element
}

func newElementIndex(elements []Element) elementIndex {
	idx := elementIndex{
		byKey:  make(map[string]Element, len(elements)),
		byName: make(map[string]Element, len(elements)),
	}
	for _, el := range elements {
		name := strings.TrimPrefix(strings.TrimSpace(el.Name), "@")
		if name == "" {
			continue
		}
		if _, ok := idx.byName[name]; !ok {
			idx.byName[name] = el
		}
		if key, n, ok := scanLabel(name, 0); ok && n == len(name) {
			if _, dup := idx.byKey[key]; !dup {
				idx.byKey[key] = el
			}
		}
	}
	return idx
}

func (idx elementIndex) lookup(key, raw string) (Element, bool) {
	if el, ok := idx.byKey[key]; ok {
		return el, true
	}
	el, ok := idx.byName[raw]
	return el, ok
}

// elementRegion converts a canvas element into a region. ok is false when
// the element's geometry cannot be used.
func elementRegion(el Element) (Region, bool) {
	c := el.Coords
	switch strings.ToLower(strings.TrimSpace(el.Type)) {
	case "rectangle", "rect":
		switch len(c) {
		case 8:
			return Region{Kind: KindRectangle, Points: pointsFromPairs(c)}, true
		case 4:
			return Region{Kind: KindRectangle, Points: rectFromXYWH(c[0], c[1], c[2], c[3])}, true
		}
	case "circle":
		switch len(c) {
		case 3:
			return Region{Kind: KindCircle, Points: []Point{{c[0], c[1]}}, Radius: c[2]}, true
		case 4:
			r := math.Max(1, math.Round(math.Hypot(c[2]-c[0], c[3]-c[1])))
			return Region{Kind: KindCircle, Points: []Point{{c[0], c[1]}}, Radius: r}, true
		}
	case "brush", "polygon", "path":
		if len(c) >= 4 && len(c)%2 == 0 {
			return Region{Kind: KindPolygon, Points: pointsFromPairs(c)}, true
		}
	}
	return Region{}, false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isLetter(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }
