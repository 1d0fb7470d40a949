package navigator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awalterschulze/gographviz"
)

// ParseDOTGraph reads a routine graph from DOT. Node attributes: type,
// label or name, description, config (JSON object) and start="true". Edge
// attribute cond holds the transition condition.
func ParseDOTGraph(dot string) (*GraphConfig, error) {
	ast, err := gographviz.ParseString(dot)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DOT: %w", err)
	}
	g := gographviz.NewGraph()
	if err := gographviz.Analyse(ast, g); err != nil {
		return nil, fmt.Errorf("failed to analyze DOT: %w", err)
	}

	gc := &GraphConfig{}
	for _, n := range g.Nodes.Nodes {
		nc := NodeConfig{
			ID:          dotUnquote(n.Name),
			Type:        getAttr(n.Attrs, "type"),
			Name:        getAttr(n.Attrs, "name"),
			Description: getAttr(n.Attrs, "description"),
		}
		if nc.Name == "" {
			nc.Name = getAttr(n.Attrs, "label")
		}
		if raw := getAttr(n.Attrs, "config"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &nc.Config); err != nil {
				return nil, fmt.Errorf("invalid config on node %q: %w", nc.ID, err)
			}
		}
		if getAttr(n.Attrs, "start") == "true" {
			gc.StartNodes = append(gc.StartNodes, nc.ID)
		}
		gc.Nodes = append(gc.Nodes, nc)
	}
	for _, e := range g.Edges.Edges {
		gc.Edges = append(gc.Edges, EdgeConfig{
			From:      dotUnquote(e.Src),
			To:        dotUnquote(e.Dst),
			Condition: getAttr(e.Attrs, "cond"),
		})
	}
	return gc, nil
}

// ExportDOT renders a routine as a DOT digraph
func ExportDOT(cfg *RoutineConfig) (string, error) {
	var gc *GraphConfig
	switch {
	case cfg.HasGraph() && cfg.Graph.DOT != "" && len(cfg.Graph.Nodes) == 0:
		parsed, err := ParseDOTGraph(cfg.Graph.DOT)
		if err != nil {
			return "", err
		}
		gc = parsed
	case cfg.HasGraph():
		gc = cfg.Graph
	default:
		types := cfg.CallTypes()
		if len(types) == 0 {
			return "", ErrNotNavigable
		}
		gc = &GraphConfig{Nodes: []NodeConfig{{
			ID:   SingleStepNodeID,
			Name: cfg.Name,
			Type: types[0],
		}}}
	}

	g := gographviz.NewGraph()
	if err := g.SetName("routine"); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	for _, n := range gc.Nodes {
		attrs := map[string]string{}
		if n.Type != "" {
			attrs["type"] = dotQuote(n.Type)
		}
		if n.Name != "" {
			attrs["label"] = dotQuote(n.Name)
		}
		if n.Type == NodeTypeEnd {
			attrs["shape"] = "doublecircle"
		}
		if err := g.AddNode("routine", dotQuote(n.ID), attrs); err != nil {
			return "", err
		}
	}
	for _, e := range gc.Edges {
		attrs := map[string]string{}
		if e.Condition != "" {
			attrs["cond"] = dotQuote(e.Condition)
			attrs["label"] = dotQuote(e.Condition)
		}
		if err := g.AddEdge(dotQuote(e.From), dotQuote(e.To), true, attrs); err != nil {
			return "", err
		}
	}
	return g.String(), nil
}

// getAttr reads a Graphviz attribute without its surrounding quotes
func getAttr(attrs gographviz.Attrs, key string) string {
	val, ok := attrs[gographviz.Attr(key)]
	if !ok {
		return ""
	}
	return dotUnquote(strings.TrimSpace(val))
}

func dotQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func dotUnquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	return s
}
