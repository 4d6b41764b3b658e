// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"reflect"
	"slices"
)

// NodeDiff lists the node changes between two configurations. A node whose
// settings changed appears in both lists so it can be recreated.
type NodeDiff struct {
	Added   []NodeConfig
	Removed []NodeConfig
}

func (d NodeDiff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// DiffNodes compares node lists by name.
func DiffNodes(old, next []NodeConfig) NodeDiff {
	var d NodeDiff
	prev := make(map[string]NodeConfig, len(old))
	for _, n := range old {
		prev[n.Name] = n
	}
	seen := make(map[string]bool, len(next))
	for _, n := range next {
		seen[n.Name] = true
		o, ok := prev[n.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, n)
		case !o.equal(n):
			d.Removed = append(d.Removed, o)
			d.Added = append(d.Added, n)
		}
	}
	for _, n := range old {
		if !seen[n.Name] {
			d.Removed = append(d.Removed, n)
		}
	}
	return d
}

func (n NodeConfig) equal(o NodeConfig) bool {
	return n.Name == o.Name &&
		n.Host == o.Host &&
		n.Port == o.Port &&
		n.Password == o.Password &&
		n.Secure == o.Secure &&
		slices.Equal(n.Regions, o.Regions)
}

// RestartFields returns the top level sections, other than nodes, that differ.
// Those are only read at startup.
func RestartFields(old, next AppConfig) []string {
	var out []string
	ov, nv := reflect.ValueOf(old), reflect.ValueOf(next)
	t := ov.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name == "Nodes" || f.Name == "Version" {
			continue
		}
		if !reflect.DeepEqual(ov.Field(i).Interface(), nv.Field(i).Interface()) {
			out = append(out, f.Name)
		}
	}
	return out
}
