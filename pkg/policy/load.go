package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileRoot はポリシーファイルのYAML表現。
//
//	routes:
//	  - method: GET
//	    path: /api/media/health
//	    requirement: public
type fileRoot struct {
	Routes []fileRoute `yaml:"routes"`
}

type fileRoute struct {
	Method      string `yaml:"method"`
	Path        string `yaml:"path"`
	Requirement string `yaml:"requirement"`
}

// LoadFile はYAMLファイルからエントリを読み込む。
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ポリシーファイルの読み込みに失敗: %w", err)
	}
	return Parse(data)
}

// Parse はYAMLからエントリを解析する。
func Parse(data []byte) ([]Entry, error) {
	var root fileRoot
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("ポリシーファイルの解析に失敗: %w", err)
	}

	entries := make([]Entry, 0, len(root.Routes))
	for i, r := range root.Routes {
		path := strings.TrimSpace(r.Path)
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("routes[%d]: パスは/で始まる必要があります: %q", i, r.Path)
		}
		method, err := normalizeMethod(r.Method)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		req, err := ParseRequirement(r.Requirement)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		entries = append(entries, Entry{
			Selector:    Selector{Method: method, Path: path},
			Requirement: req,
		})
	}
	return entries, nil
}
