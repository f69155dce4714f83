package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders p back into DSL text. Parsing the result yields a policy
// with the same emotions, rules and retrieval settings; comments, unknown
// lines and statement spacing are not preserved.
func Format(p *Policy) string {
	var b strings.Builder

	if len(p.emotionOrder) > 0 {
		b.WriteString("# emotions\n")
		for _, name := range p.emotionOrder {
			b.WriteString(formatEmotion(p.emotions[name]))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	if len(p.order) > 0 {
		b.WriteString("# rules\n")
		for _, r := range p.order {
			b.WriteString(r.String())
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}

	cfg := p.retrieval
	b.WriteString("# retrieval\n")
	if len(cfg.Synonyms) == 0 {
		fmt.Fprintf(&b, "retrieval { gate: %s, topk: %d, entropy_filter: %s }\n",
			cfg.Gate, cfg.TopK, onOff(cfg.EntropyFilter))
		return b.String()
	}
	b.WriteString("retrieval {\n")
	fmt.Fprintf(&b, "  gate: %s\n", cfg.Gate)
	fmt.Fprintf(&b, "  topk: %d\n", cfg.TopK)
	fmt.Fprintf(&b, "  entropy_filter: %s\n", onOff(cfg.EntropyFilter))
	for _, alias := range sortedKeys(cfg.Synonyms) {
		quoted := make([]string, len(cfg.Synonyms[alias]))
		for i, t := range cfg.Synonyms[alias] {
			quoted[i] = strconv.Quote(t)
		}
		fmt.Fprintf(&b, "  synonyms: %s=[%s]\n", alias, strings.Join(quoted, ", "))
	}
	b.WriteString("}\n")
	return b.String()
}

func formatEmotion(e Emotion) string {
	parts := []string{
		"lambda=" + formatFloat(e.Lambda),
		"floor=" + formatFloat(e.Floor),
		"decay=" + string(e.Kernel),
	}
	if e.Params.HasK {
		parts = append(parts, "k="+formatFloat(e.Params.K))
	}
	if e.Params.HasT0 {
		parts = append(parts, "t0="+formatFloat(e.Params.T0))
	}
	return fmt.Sprintf("emotion %s { %s }", e.Name, strings.Join(parts, ", "))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
