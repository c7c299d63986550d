package pipeline

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed stages.yaml
var defaultInfrastructureYAML []byte

// Infrastructure is the set of display labels lit up while a stage runs.
type Infrastructure struct {
	Nodes       []string `yaml:"nodes"`
	Connections []string `yaml:"connections"`
}

// InfrastructureTable maps every stage in Stages to its highlight set.
type InfrastructureTable map[Stage]Infrastructure

// ParseInfrastructure decodes a YAML stage table and checks it covers every
// stage.
func ParseInfrastructure(data []byte) (InfrastructureTable, error) {
	var table InfrastructureTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode infrastructure table: %w", err)
	}
	for _, stage := range Stages {
		if _, ok := table[stage]; !ok {
			return nil, fmt.Errorf("infrastructure table: missing stage %q", stage)
		}
	}
	return table, nil
}

// DefaultInfrastructure returns the embedded table.
func DefaultInfrastructure() InfrastructureTable {
	table, err := ParseInfrastructure(defaultInfrastructureYAML)
	if err != nil {
		panic(err)
	}
	return table
}

func (t InfrastructureTable) lookup(stage Stage) Infrastructure {
	infra, ok := t[stage]
	if !ok {
		return Infrastructure{Nodes: []string{}, Connections: []string{}}
	}
	return Infrastructure{
		Nodes:       append([]string{}, infra.Nodes...),
		Connections: append([]string{}, infra.Connections...),
	}
}
