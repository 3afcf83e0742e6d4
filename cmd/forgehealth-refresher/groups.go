package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Group is a named set of repos warmed together. GroupID pulls in every repo
// of an Augur repo group on top of the listed ones.
type Group struct {
	Name    string  `yaml:"name"`
	Repos   []int64 `yaml:"repos"`
	GroupID int64   `yaml:"group_id"`
}

// File is the refresher's YAML configuration
//
//	views: [explorer_contributor_actions, explorer_pr_response]
//	groups:
//	  - name: chaoss
//	    repos: [1, 2, 3]
//	  - name: kubernetes
//	    group_id: 7
type File struct {
	Views  []string `yaml:"views"`
	Groups []Group  `yaml:"groups"`
}

// LoadFile reads and validates a groups file
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseFile(data)
}

// ParseFile decodes a groups file, rejecting unknown keys
func ParseFile(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse groups file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names are unique and every group selects some repos
func (f *File) Validate() error {
	seen := make(map[string]bool, len(f.Groups))
	for i, g := range f.Groups {
		if g.Name == "" {
			return fmt.Errorf("group %d: name is required", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("group %s: duplicate name", g.Name)
		}
		seen[g.Name] = true
		if len(g.Repos) == 0 && g.GroupID == 0 {
			return fmt.Errorf("group %s: repos or group_id is required", g.Name)
		}
		for _, id := range g.Repos {
			if id <= 0 {
				return fmt.Errorf("group %s: invalid repo id %d", g.Name, id)
			}
		}
	}
	return nil
}
