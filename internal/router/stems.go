package router

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/cbegin/stemhost-go/internal/tags"
)

// StemRule is one required-tag set. A unit satisfies the rule when it
// carries every tag.
type StemRule struct {
	Label string   `xml:"label,attr,omitempty" yaml:"label,omitempty" json:"label,omitempty"`
	Tags  []string `xml:"tag" yaml:"tags" json:"tags"`
}

// StemDefinition names a stem bus and the ordered rules that select it.
type StemDefinition struct {
	Name          string     `xml:"name,attr" yaml:"name" json:"name"`
	RenderEnabled bool       `xml:"renderEnabled,attr" yaml:"render" json:"renderEnabled"`
	Rules         []StemRule `xml:"rule" yaml:"rules" json:"rules"`
}

// NormalizeStems trims names, normalizes rule tags and drops empty rules,
// nameless stems and repeated names (the first definition wins).
func NormalizeStems(defs []StemDefinition) []StemDefinition {
	out := make([]StemDefinition, 0, len(defs))
	seen := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		nd := StemDefinition{Name: name, RenderEnabled: d.RenderEnabled}
		for _, rule := range d.Rules {
			norm := tags.NormalizeAll(rule.Tags)
			if len(norm) == 0 {
				continue
			}
			nd.Rules = append(nd.Rules, StemRule{Label: strings.TrimSpace(rule.Label), Tags: norm})
		}
		out = append(out, nd)
	}
	return out
}

func cloneStems(in []StemDefinition) []StemDefinition {
	out := make([]StemDefinition, len(in))
	for i, d := range in {
		out[i] = StemDefinition{Name: d.Name, RenderEnabled: d.RenderEnabled}
		if d.Rules != nil {
			out[i].Rules = make([]StemRule, len(d.Rules))
			for j, r := range d.Rules {
				out[i].Rules[j] = StemRule{Label: r.Label, Tags: append([]string(nil), r.Tags...)}
			}
		}
	}
	return out
}

type stemsDocument struct {
	XMLName xml.Name         `xml:"stems"`
	Stems   []StemDefinition `xml:"stem"`
}

// MarshalStemsXML encodes definitions in the project's stem document shape:
//
//	<stems>
//	  <stem name="Strings" renderEnabled="true">
//	    <rule label="all strings"><tag>strings</tag></rule>
//	  </stem>
//	</stems>
func MarshalStemsXML(defs []StemDefinition) ([]byte, error) {
	data, err := xml.MarshalIndent(stemsDocument{Stems: defs}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode stems: %w", err)
	}
	return data, nil
}

// UnmarshalStemsXML decodes a stem document. The result is not normalized;
// SetStemRules does that on install.
func UnmarshalStemsXML(data []byte) ([]StemDefinition, error) {
	var doc stemsDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode stems: %w", err)
	}
	return doc.Stems, nil
}
