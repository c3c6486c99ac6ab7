package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/quailyquaily/markedit/imagegen"
	"github.com/quailyquaily/markedit/internal/clifmt"
	"github.com/quailyquaily/markedit/orchestrator"
	"github.com/quailyquaily/markedit/prompt"
	"github.com/quailyquaily/markedit/region"
	"github.com/quailyquaily/markedit/task"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type compileReport struct {
	Prompt       string          `json:"prompt" yaml:"prompt"`
	Instruction  string          `json:"instruction" yaml:"instruction"`
	Size         string          `json:"size" yaml:"size"`
	Resolution   string          `json:"resolution" yaml:"resolution"`
	Regions      []region.Region `json:"regions" yaml:"regions"`
	Replacements []string        `json:"replacements" yaml:"replacements"`
}

func newCompileCmd() *cobra.Command {
	var (
		payloadPath string
		format      string
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a submission payload into the upstream prompt without calling the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}
			var p task.Payload
			if err := json.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("parse payload: %w", err)
			}
			if err := p.Validate(); err != nil {
				return err
			}
			report, err := buildCompileReport(p)
			if err != nil {
				return err
			}
			return writeCompileReport(cmd.OutOrStdout(), report, format)
		},
	}
	cmd.Flags().StringVarP(&payloadPath, "payload", "p", "-", "Payload JSON file, or - for stdin")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, yaml or json")
	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return b, nil
}

func buildCompileReport(p task.Payload) (compileReport, error) {
	w, h, err := imagegen.ParseResolution(p.GlobalParams.OutputResolution)
	if err != nil {
		return compileReport{}, err
	}
	c := prompt.Compile(orchestrator.BuildRequest(p))
	r := compileReport{
		Prompt:       c.Text,
		Instruction:  c.Instruction,
		Size:         imagegen.AspectRatio(w, h),
		Resolution:   imagegen.ResolutionTier(w, h),
		Regions:      c.Regions,
		Replacements: c.Replacements,
	}
	if r.Regions == nil {
		r.Regions = []region.Region{}
	}
	if r.Replacements == nil {
		r.Replacements = []string{}
	}
	return r, nil
}

func writeCompileReport(w io.Writer, r compileReport, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(r)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case "", "text":
		st := clifmt.For(w)
		fmt.Fprintln(w, st.Headerf("Compiled prompt (%s, %s)", r.Size, r.Resolution))
		fmt.Fprintln(w, r.Prompt)
		fmt.Fprintln(w)
		if len(r.Regions) == 0 {
			fmt.Fprintln(w, st.Warn("No regions found"))
		} else {
			fmt.Fprintln(w, st.Headerf("Regions (%d)", len(r.Regions)))
		}
		for i, reg := range r.Regions {
			line := fmt.Sprintf("%d. %s %s", i+1, st.Key(string(reg.Kind)), reg.Descriptor())
			if reg.Instruction != "" {
				line += " " + st.Dim("→ "+reg.Instruction)
			}
			fmt.Fprintln(w, line)
		}
		if len(r.Replacements) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, st.Headerf("Replacements"))
			for _, s := range r.Replacements {
				fmt.Fprintln(w, "- "+s)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want text, yaml or json)", format)
	}
}
