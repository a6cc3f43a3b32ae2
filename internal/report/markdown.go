package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/utils"
)

// Render produces the markdown document for a report.
func Render(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research Report: %s\n\n", r.Topic)
	fmt.Fprintf(&b, "_Generated: %s_\n\n", r.GeneratedAt.Format(time.RFC3339))
	if len(r.ReasoningTrace) > 0 {
		k := traceKinds(r.ReasoningTrace)
		fmt.Fprintf(&b, "_Trace: %d thoughts, %d observations_\n\n", k[state.KindThought], k[state.KindObservation])
	}

	if len(r.Sections) > 1 {
		b.WriteString("## Contents\n\n")
		for _, s := range r.Sections {
			fmt.Fprintf(&b, "- [%s](#%s)\n", s.Title, slugify(s.Title))
		}
		b.WriteString("\n")
	}
	for _, s := range r.Sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Title, strings.TrimSpace(s.Content))
		if len(s.Sources) > 0 {
			b.WriteString("Sources:\n")
			for _, u := range s.Sources {
				fmt.Fprintf(&b, "- %s\n", u)
			}
			b.WriteString("\n")
		}
	}

	if len(r.ToolUsage) > 0 {
		b.WriteString("## Tool Usage\n\n| Tool | Calls |\n|---|---|\n")
		names := make([]string, 0, len(r.ToolUsage))
		for n := range r.ToolUsage {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "| %s | %d |\n", n, r.ToolUsage[n])
		}
		b.WriteString("\n")
	}

	if len(r.ReasoningTrace) > 0 {
		b.WriteString("## Reasoning Trace\n\n")
		for i, t := range r.ReasoningTrace {
			conf := "-"
			if t.Confidence != nil {
				conf = fmt.Sprintf("%.2f", *t.Confidence)
			}
			fmt.Fprintf(&b, "%d. **%s** (%s) %s\n", i+1, t.Kind, conf, oneLine(t.Content))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return utils.Truncate(s, 200)
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r == ' ', r == '-', r == '/':
			b.WriteRune('-')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// traceKinds counts thoughts by kind.
func traceKinds(trace []state.Thought) map[state.Kind]int {
	out := make(map[state.Kind]int, 3)
	for _, t := range trace {
		out[t.Kind]++
	}
	return out
}
