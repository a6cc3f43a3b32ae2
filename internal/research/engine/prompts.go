package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/researcher/internal/research/state"
	"github.com/mohammad-safakhou/researcher/internal/research/tools"
	"github.com/mohammad-safakhou/researcher/utils"
)

const pathsSchema = `{"paths": [{"content": "next research step", "rationale": "why it helps", "promise": "low | medium | high"}]}`

const toolSchema = `{"tool": "tool name", "params": {"name": "value"}, "reason": "why this tool"}`

func pathsPrompt(topic string, n int, recent []state.Thought, findings []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are researching: %q.\n\n", topic)
	if len(recent) > 0 {
		b.WriteString("Current line of reasoning:\n")
		for _, t := range recent {
			fmt.Fprintf(&b, "- [%s] %s\n", t.Kind, utils.Truncate(t.Content, 400))
		}
		b.WriteString("\n")
	}
	if len(findings) > 0 {
		b.WriteString("Findings collected so far:\n")
		for _, k := range findings {
			fmt.Fprintf(&b, "- %s\n", k)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Propose %d distinct next steps that would most advance the research. ", n)
	b.WriteString("Rate each step's promise as low, medium or high.")
	return b.String()
}

func toolPrompt(topic string, path state.Thought, cards []tools.Card) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research topic: %q\nPlanned step: %s\n\nAvailable tools:\n", topic, path.Content)
	for _, c := range cards {
		names := make([]string, 0, len(c.Params))
		for k := range c.Params {
			names = append(names, k)
		}
		sort.Strings(names)
		params := make([]string, len(names))
		for i, k := range names {
			params[i] = fmt.Sprintf("%s (%s)", k, c.Params[k])
		}
		fmt.Fprintf(&b, "- %s: %s Params: %s\n", c.Name, c.Description, strings.Join(params, ", "))
	}
	b.WriteString("\nChoose exactly one tool and its parameters to carry out the planned step.")
	return b.String()
}

func evaluationPrompt(topic string, path state.Thought, tool, result string) string {
	return fmt.Sprintf(`Research topic: %q
Planned step: %s
Tool used: %s

Result:
%s

On a scale from 0.0 to 1.0, how useful is this result for the planned step and the topic?
Answer with the number only.`, topic, path.Content, tool, result)
}

func sufficiencyPrompt(topic string, findings map[string]interface{}, keys []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research topic: %q\n\nCollected findings:\n", topic)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, utils.Truncate(fmt.Sprint(findings[k]), 300))
	}
	b.WriteString("\nIs the information collected sufficient to write a comprehensive report on the topic? Answer \"sufficient\" or \"insufficient\" followed by one sentence.")
	return b.String()
}
