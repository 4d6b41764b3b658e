// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffNodes(t *testing.T) {
	a := NodeConfig{Name: "a", Host: "a.local", Port: 2333, Password: "p"}
	b := NodeConfig{Name: "b", Host: "b.local", Port: 2333, Password: "p"}
	c := NodeConfig{Name: "c", Host: "c.local", Port: 2333, Password: "p"}
	b2 := b
	b2.Regions = []string{"eu"}

	d := DiffNodes([]NodeConfig{a, b}, []NodeConfig{a, b2, c})
	assert.Equal(t, []NodeConfig{b2, c}, d.Added)
	assert.Equal(t, []NodeConfig{b}, d.Removed)

	d = DiffNodes([]NodeConfig{a, b}, []NodeConfig{b})
	assert.Empty(t, d.Added)
	assert.Equal(t, []NodeConfig{a}, d.Removed)

	assert.True(t, DiffNodes([]NodeConfig{a}, []NodeConfig{a}).Empty())
}

func TestRestartFields(t *testing.T) {
	old := Example()
	next := Example()
	next.Nodes = nil
	next.Version = "other"
	assert.Empty(t, RestartFields(old, next))

	next.Discord.Token = "rotated"
	next.Admin.Listen = ":9191"
	assert.Equal(t, []string{"Discord", "Admin"}, RestartFields(old, next))
}
