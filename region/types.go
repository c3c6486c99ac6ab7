package region

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindRectangle Kind = "rectangle"
	KindCircle    Kind = "circle"
	KindLine      Kind = "line"
	KindPoint     Kind = "point"
	KindPolygon   Kind = "polygon"
)

type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Region is a geometric annotation extracted from prompt text. Rectangles
// always carry their four corners in clockwise order starting top-left;
// circles carry a single center point plus Radius.
type Region struct {
	Kind        Kind    `json:"kind" yaml:"kind"`
	Points      []Point `json:"points" yaml:"points"`
	Radius      float64 `json:"radius,omitempty" yaml:"radius,omitempty"`
	Instruction string  `json:"instruction,omitempty" yaml:"instruction,omitempty"`
	Source      string  `json:"source" yaml:"source"`
}

// Descriptor renders the coordinates the way they appear in compiled prompts.
func (r Region) Descriptor() string {
	switch r.Kind {
	case KindCircle:
		if len(r.Points) == 0 {
			return ""
		}
		c := r.Points[0]
		return fmt.Sprintf("%s,%s,r=%s", formatNum(c.X), formatNum(c.Y), formatNum(r.Radius))
	case KindLine:
		if len(r.Points) < 2 {
			return joinPoints(r.Points)
		}
		a, b := r.Points[0], r.Points[1]
		return formatNum(a.X) + "," + formatNum(a.Y) + "→" + formatNum(b.X) + "," + formatNum(b.Y)
	default:
		return joinPoints(r.Points)
	}
}

// Element is a named shape drawn on the canvas, referenced from prompt text
// with labels such as "@矩形一" or "@rectangle 2".
type Element struct {
	Name   string    `json:"name"`
	Type   string    `json:"type"`
	Coords []float64 `json:"coords"`
	Color  string    `json:"color,omitempty"`
}

// Parsed is the output of Parse. Replacements is diagnostic only.
type Parsed struct {
	Regions      []Region
	Cleaned      string
	Replacements []string
}

func rectFromXYWH(x, y, w, h float64) []Point {
	return []Point{{x, y}, {x + w, y}, {x + w, y + h}, {x, y + h}}
}

func pointsFromPairs(nums []float64) []Point {
	out := make([]Point, 0, len(nums)/2)
	for i := 0; i+1 < len(nums); i += 2 {
		out = append(out, Point{X: nums[i], Y: nums[i+1]})
	}
	return out
}

func joinPoints(pts []Point) string {
	parts := make([]string, 0, len(pts))
	for _, p := range pts {
		parts = append(parts, formatNum(p.X)+","+formatNum(p.Y))
	}
	return strings.Join(parts, ";")
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
