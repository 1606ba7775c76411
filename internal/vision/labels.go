package vision

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLabels is the ordered class list of the fruit and vegetable
// freshness model. Index i names output i of the classifier.
var DefaultLabels = []string{
	"มะเขือเทศปกติ", "มะเขือเทศเน่า",
	"สตรอเบอร์รี่ปกติ", "สตรอเบอร์รี่เน่า",
	"มันฝรั่งปกติ", "มันฝรั่งเน่า",
	"ทับทิมปกติ", "ทับทิมเน่า",
	"ส้มปกติ", "ส้มเน่า",
	"มะม่วงปกติ", "มะม่วงเน่า",
	"พุทราจีนปกติ", "พุทราจีนเน่า",
	"ฝรั่งปกติ", "ฝรั่งเน่า",
	"องุ่นปกติ", "องุ่นเน่า",
	"แตงกวาปกติ", "แตงกวาเน่า",
	"แครอทปกติ", "แครอทเน่า",
	"พริกหวานปกติ", "พริกหวานเน่า",
	"กล้วยปกติ", "กล้วยเน่า",
	"แอปเปิ้ลปกติ", "แอปเปิ้ลเน่า",
}

// LoadLabels returns DefaultLabels when path is empty. Otherwise it reads a
// YAML or JSON file holding either a plain list or a "labels" key.
func LoadLabels(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		out := make([]string, len(DefaultLabels))
		copy(out, DefaultLabels)
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	return ParseLabels(data)
}

func ParseLabels(data []byte) ([]string, error) {
	var labels []string
	if err := yaml.Unmarshal(data, &labels); err != nil {
		var doc struct {
			Labels []string `yaml:"labels"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("parse labels: %w", err2)
		}
		labels = doc.Labels
	}

	if len(labels) == 0 {
		return nil, fmt.Errorf("parse labels: no labels found")
	}
	for i, l := range labels {
		labels[i] = strings.TrimSpace(l)
		if labels[i] == "" {
			return nil, fmt.Errorf("parse labels: label %d is empty", i)
		}
	}
	return labels, nil
}
