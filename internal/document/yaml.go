package document

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/qadocgen/internal/model"
)

// RenderYAML renders result in the exchange form as YAML.
func RenderYAML(result *model.AnalysisResult) ([]byte, error) {
	if result == nil {
		return nil, fmt.Errorf("nil analysis result")
	}
	data, err := yaml.Marshal(toExchange(result))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal yaml: %w", err)
	}
	return data, nil
}
