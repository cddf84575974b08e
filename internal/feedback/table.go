// Package feedback 标签到反馈文本的静态映射表
package feedback

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_feedback.yaml
var defaultTable []byte

// Table 情绪/姿态反馈表
type Table struct {
	Emotion map[string]string `yaml:"emotion"`
	Posture map[string]string `yaml:"posture"`
}

// Default 内置反馈表
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded feedback table: %v", err))
	}
	return t
}

// Parse 解析 YAML
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse feedback table: %w", err)
	}
	if t.Emotion == nil {
		t.Emotion = map[string]string{}
	}
	if t.Posture == nil {
		t.Posture = map[string]string{}
	}
	return &t, nil
}

// Load 从文件加载，路径为空时返回内置表
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback table: %w", err)
	}
	return Parse(data)
}

// Lines 情绪提示在前，姿态提示在后
func (t *Table) Lines(emotion, posture string) []string {
	out := make([]string, 0, 2)
	if msg, ok := t.Emotion[emotion]; ok {
		out = append(out, msg)
	}
	if msg, ok := t.Posture[posture]; ok {
		out = append(out, msg)
	}
	return out
}
