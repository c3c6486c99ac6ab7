package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/quailyquaily/markedit/region"
)

// Reference is a reference image bound to a placeholder id in the prompt.
type Reference struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Request is everything needed to compile one submission.
type Request struct {
	Prompt     string
	References []Reference
	Elements   []region.Element
	Resolution string
}

// Compiled is the immutable result of Compile. Text is the document sent
// upstream; the remaining fields are diagnostics.
type Compiled struct {
	Text         string
	Instruction  string
	Regions      []region.Region
	Replacements []string
}

// Document is the input of Render.
type Document struct {
	Instruction    string
	ReferenceCount int
	Resolution     string
	Regions        []region.Region
}

var (
	subInstructionRe = regexp.MustCompile(`\[[^\[\]\n]*(?:region|区域)\][^\[;\n]*`)
	multiSpaceRe     = regexp.MustCompile(`[ \t]{2,}`)
)

// Compile runs placeholder substitution, region extraction and rendering.
func Compile(req Request) Compiled {
	text, log := SubstituteReferences(req.Prompt, req.References)

	parsed := region.Parse(text, req.Elements)
	log = append(log, parsed.Replacements...)

	instruction := normalizeInstruction(parsed.Cleaned)
	doc := Document{
		Instruction:    instruction,
		ReferenceCount: len(req.References),
		Resolution:     req.Resolution,
		Regions:        parsed.Regions,
	}
	return Compiled{
		Text:         Render(doc),
		Instruction:  instruction,
		Regions:      parsed.Regions,
		Replacements: log,
	}
}

// SubstituteReferences replaces "@<id>" with "Image N", where the base image
// is Image 1 and references follow in submission order.
func SubstituteReferences(text string, refs []Reference) (string, []string) {
	type binding struct {
		id    string
		label string
	}
	bindings := make([]binding, 0, len(refs))
	for i, ref := range refs {
		id := strings.TrimSpace(ref.ID)
		if id == "" {
			continue
		}
		bindings = append(bindings, binding{id: id, label: fmt.Sprintf("Image %d", i+2)})
	}
	// Longer ids first so "@ref1" does not eat the prefix of "@ref10".
	sort.SliceStable(bindings, func(i, j int) bool { return len(bindings[i].id) > len(bindings[j].id) })

	var log []string
	for _, b := range bindings {
		placeholder := "@" + b.id
		if !strings.Contains(text, placeholder) {
			continue
		}
		text = strings.ReplaceAll(text, placeholder, b.label)
		log = append(log, placeholder+" → "+b.label)
	}
	return text, log
}

// Render builds the sectioned instruction document. Output depends only on
// doc, so identical input yields byte-identical text.
func Render(doc Document) string {
	var lines []string
	add := func(s ...string) { lines = append(lines, s...) }

	add("[Task]",
		"Generate a high-quality image from the base image and the user requirements.",
		"Output resolution: "+doc.Resolution,
		"")

	add("[Input Images]", "- Image 1: base image (the original to be modified)")
	for i := 0; i < doc.ReferenceCount; i++ {
		add(fmt.Sprintf("- Image %d: reference image", i+2))
	}
	add("")

	add("[User Requirements]")
	if subs := SubInstructions(doc.Instruction); len(subs) > 1 {
		for i, s := range subs {
			add(fmt.Sprintf("%d. %s", i+1, s))
		}
	} else {
		add(doc.Instruction)
	}
	add("")

	hasRegions := len(doc.Regions) > 0
	if hasRegions {
		add("[Coordinate Regions]")
		for i, r := range doc.Regions {
			instr := r.Instruction
			if instr == "" {
				instr = "(no instruction)"
			}
			add(fmt.Sprintf("- Region %d: %s @ %s -> %s", i+1, r.Kind, r.Descriptor(), instr))
		}
		add("", "Coordinate-based edits affect only the described regions and must not spill outside them.", "")
	}

	add("[Quality Requirements]",
		"- Keep the image sharp and rich in detail",
		"- Maintain natural lighting and consistent color",
		"- Preserve realistic textures",
		"- Keep unmodified areas identical to the base image",
		"")

	add("[Output Guidance]", "Produce one complete final image that:")
	var steps []string
	if hasRegions {
		steps = []string{
			"Modifies only the listed coordinate regions as requested",
			"Keeps everything outside those regions identical to Image 1",
			"Blends modified and preserved areas naturally",
		}
	} else {
		steps = []string{
			"Transforms the whole image according to the user requirements",
			"Keeps a natural look and overall consistency",
		}
	}
	steps = append(steps,
		"Has an output resolution of exactly "+doc.Resolution,
		"Meets a professional quality bar")
	for i, s := range steps {
		add(fmt.Sprintf("%d. %s", i+1, s))
	}

	return strings.Join(lines, "\n")
}

// SubInstructions returns region-scoped sub-instructions such as
// "[red region] make it blue" found in text, in order.
func SubInstructions(text string) []string {
	matches := subInstructionRe.FindAllString(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func normalizeInstruction(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(multiSpaceRe.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
