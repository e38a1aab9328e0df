package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RenameYamlKey renames a top-level key in the YAML file at path, keeping
// comments and the order of the other keys. If newKey is already present
// the old entry is dropped instead. It reports whether the file changed.
func RenameYamlKey(path, oldKey, newKey string) (bool, error) {
	content, err := os.ReadFile(path) // #nosec G304 - path is the service's own config file
	if err != nil {
		return false, fmt.Errorf("failed to read config: %w", err)
	}

	updated, changed, err := renameYamlKey(content, oldKey, newKey)
	if err != nil || !changed {
		return false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to stat config: %w", err)
	}
	if err := os.WriteFile(path, updated, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("failed to write config: %w", err)
	}
	return true, nil
}

func renameYamlKey(content []byte, oldKey, newKey string) ([]byte, bool, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse config: %w", err)
	}
	root := topMapping(&doc)
	if root == nil {
		return content, false, nil
	}

	oldIdx, newIdx := -1, -1
	for i := 0; i+1 < len(root.Content); i += 2 {
		switch root.Content[i].Value {
		case oldKey:
			oldIdx = i
		case newKey:
			newIdx = i
		}
	}
	if oldIdx < 0 {
		return content, false, nil
	}

	if newIdx >= 0 {
		root.Content = append(root.Content[:oldIdx], root.Content[oldIdx+2:]...)
	} else {
		root.Content[oldIdx].Value = newKey
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, false, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, false, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), true, nil
}

func topMapping(doc *yaml.Node) *yaml.Node {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	if root := doc.Content[0]; root.Kind == yaml.MappingNode {
		return root
	}
	return nil
}
