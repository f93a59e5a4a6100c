package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// RenderMermaid renders m as a Mermaid flowchart.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for _, n := range m.Nodes {
		fmt.Fprintf(&b, "    %s\n", nodeDef(n))
	}
	for _, e := range m.Edges {
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", safeID(e.From), label, safeID(e.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef timedout fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef stopped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, n := range m.Nodes {
		if n.Status == nil {
			continue
		}
		if cls := statusClass(n.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", safeID(n.ID), cls)
		}
	}
	return b.String()
}

// nodeDef picks the shape: stadium for roots, hexagon for non-ALL gates.
func nodeDef(n *Node) string {
	id := safeID(n.ID)
	label := n.Label
	if n.Gate != "" {
		label += " [" + n.Gate + "]"
	}
	if s := n.Status; s != nil && s.Status != "" {
		label += fmt.Sprintf(" (%s x%d)", s.Status, s.Executions)
	}

	switch {
	case n.Root:
		return fmt.Sprintf("%s([%q])", id, label)
	case n.Gate != "":
		return fmt.Sprintf("%s{{%q}}", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func safeID(id string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(id)
}

func statusClass(s schema.ExecutionStatus) string {
	switch s {
	case schema.ExecutionStatusSucceeded:
		return "succeeded"
	case schema.ExecutionStatusFailed:
		return "failed"
	case schema.ExecutionStatusTimedOut:
		return "timedout"
	case schema.ExecutionStatusRunning, schema.ExecutionStatusManuallyStarted:
		return "running"
	case schema.ExecutionStatusStopped, schema.ExecutionStatusStopping, schema.ExecutionStatusAbandoned:
		return "stopped"
	}
	return ""
}
