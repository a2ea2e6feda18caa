package classifier

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLabels is the HAM10000 label encoder order the bundled model was trained with.
var DefaultLabels = []string{"akiec", "bcc", "bkl", "df", "mel", "nv", "vasc"}

type labelFile struct {
	Labels []string `yaml:"labels"`
}

// LoadLabels reads the label set from a YAML file of the form `labels: [a, b]`.
// An empty path yields DefaultLabels.
func LoadLabels(path string) ([]string, error) {
	if path == "" {
		out := make([]string, len(DefaultLabels))
		copy(out, DefaultLabels)
		return out, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels file: %w", err)
	}

	var file labelFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse labels file: %w", err)
	}
	if err := validateLabels(file.Labels); err != nil {
		return nil, fmt.Errorf("labels file %s: %w", path, err)
	}
	return file.Labels, nil
}

func validateLabels(labels []string) error {
	if len(labels) == 0 {
		return errors.New("label set is empty")
	}
	seen := make(map[string]struct{}, len(labels))
	for i, label := range labels {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("label %d is blank", i)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("duplicate label %q", label)
		}
		seen[label] = struct{}{}
	}
	return nil
}
