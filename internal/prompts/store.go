// Package prompts maps prompt identifiers to prompt text.
package prompts

import (
	_ "embed"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed static/prompts.yaml
var defaultYAML []byte

// Store provides access to named enhancement prompts.
type Store struct {
	prompts map[string]string
}

type yamlFile struct {
	Prompts map[string]string `yaml:"prompts"`
}

// Load initializes the store from the embedded defaults, overlaying the user
// file at path when it exists.
func Load(path string) *Store {
	s := &Store{prompts: make(map[string]string)}

	var embedded yamlFile
	if err := yaml.Unmarshal(defaultYAML, &embedded); err == nil {
		for name, text := range embedded.Prompts {
			s.prompts[name] = text
		}
	}

	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			var user yamlFile
			if err := yaml.Unmarshal(data, &user); err == nil {
				for name, text := range user.Prompts {
					s.prompts[name] = text
				}
			}
		}
	}

	return s
}

// Get returns the prompt text for name, falling back to the default prompt
// when the name is unknown.
func (s *Store) Get(name string) string {
	if text, ok := s.prompts[name]; ok {
		return text
	}
	return s.prompts["default"]
}

// Has checks whether a prompt exists.
func (s *Store) Has(name string) bool {
	_, ok := s.prompts[name]
	return ok
}
