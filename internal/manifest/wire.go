package manifest

import "fmt"

// Wire is the legacy explicit data-flow edge. A wire is exactly equivalent to
// the trivial value template `{{from}}` bound to the target input.
type Wire struct {
	From WireFrom `json:"from"`
	To   WireTo   `json:"to"`
}

// WireFrom names the producing side: the composition's own inputs (Source ==
// "inputs" plus Key), another step's output (Step plus Output), or a literal
// Value.
type WireFrom struct {
	Source string `json:"source"`
	Key    string `json:"key"`
	Step   string `json:"step"`
	Output string `json:"output"`
	Value  *any   `json:"value"`
}

// WireTo names the consuming step input.
type WireTo struct {
	Step  string `json:"step"`
	Input string `json:"input"`
}

// normalizeWires rewrites every wire into a value template on its target
// step's named input slot, then drops the wires. Later wires targeting the
// same input win, matching the legacy runner's behaviour.
func (m *Manifest) normalizeWires() error {
	if len(m.Wires) == 0 {
		return nil
	}

	byID := make(map[string]int, len(m.Steps))
	for i, s := range m.Steps {
		byID[s.ID] = i
	}

	for _, w := range m.Wires {
		idx, ok := byID[w.To.Step]
		if !ok {
			return fmt.Errorf("wire targets unknown step %q", w.To.Step)
		}
		if w.To.Input == "" {
			return fmt.Errorf("wire into step %q is missing to.input", w.To.Step)
		}

		var tmpl any
		switch {
		case w.From.Source == "inputs":
			if w.From.Key == "" {
				return fmt.Errorf("wire from inputs into %q is missing from.key", w.To.Step)
			}
			tmpl = fmt.Sprintf("{{inputs.%s}}", w.From.Key)
		case w.From.Source != "":
			return fmt.Errorf("unknown wire source %q", w.From.Source)
		case w.From.Step != "":
			if w.From.Output == "" {
				return fmt.Errorf("wire from step %q is missing from.output", w.From.Step)
			}
			if _, ok := byID[w.From.Step]; !ok {
				return fmt.Errorf("wire references unknown step %q", w.From.Step)
			}
			tmpl = fmt.Sprintf("{{%s.%s}}", w.From.Step, w.From.Output)
		case w.From.Value != nil:
			tmpl = *w.From.Value
		default:
			return fmt.Errorf("wire into %q must name inputs, a step, or a literal value", w.To.Step)
		}

		step := &m.Steps[idx]
		if step.Inputs.Positional != nil {
			return fmt.Errorf("step %q mixes positional inputs with wires", step.ID)
		}
		if step.Inputs.Named == nil {
			step.Inputs.Named = make(map[string]any)
		}
		step.Inputs.Named[w.To.Input] = tmpl
	}

	m.Wires = nil
	return nil
}
