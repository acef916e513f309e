// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cachecore

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// Config holds every static, init-time tunable of spec.md §6. It is
// normally constructed programmatically, the way dcache.New takes its
// parameters directly, but can also be unmarshaled from a YAML
// document via LoadConfig — the same structured-config-into-a-plain-
// struct idiom the teacher's own go.mod already pulls in
// sigs.k8s.io/yaml for.
type Config struct {
	// FullThreshold is full_threshold: the occupancy percentage,
	// in [0, 100], at or above which the admission history gates new
	// fills.
	FullThreshold int `json:"full_threshold"`

	// HitRatioThreshold is hit_ratio_threshold, in (0, 1].
	HitRatioThreshold float64 `json:"hit_ratio_threshold"`

	MaxHistoryInitial int `json:"max_history_initial"`
	MaxHistoryMin     int `json:"max_history_min"`
	MaxHistoryMax     int `json:"max_history_max"`

	HashSizeInitial int `json:"hash_size_initial"`
	HashSizeMin     int `json:"hash_size_min"`
	HashSizeMax     int `json:"hash_size_max"`
}

// DefaultConfig returns Config with every field at its spec.md §6
// default.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.FullThreshold == 0 {
		c.FullThreshold = 99
	}
	if c.HitRatioThreshold == 0 {
		c.HitRatioThreshold = 0.5
	}
	if c.MaxHistoryInitial == 0 {
		c.MaxHistoryInitial = 1000
	}
	if c.MaxHistoryMin == 0 {
		c.MaxHistoryMin = 100
	}
	if c.MaxHistoryMax == 0 {
		c.MaxHistoryMax = 100000
	}
	if c.HashSizeInitial == 0 {
		c.HashSizeInitial = 2048
	}
	if c.HashSizeMin == 0 {
		c.HashSizeMin = 2048
	}
	if c.HashSizeMax == 0 {
		c.HashSizeMax = 1 << 20
	}
	return c
}

// LoadConfig unmarshals a YAML document into a Config, applying
// spec.md §6 defaults to any field the document leaves zero.
func LoadConfig(doc []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return Config{}, fmt.Errorf("cachecore: parsing config: %w", err)
	}
	if c.FullThreshold < 0 || c.FullThreshold > 100 {
		return Config{}, fmt.Errorf("cachecore: full_threshold must be in [0,100], got %d", c.FullThreshold)
	}
	if c.HitRatioThreshold < 0 || c.HitRatioThreshold > 1 {
		return Config{}, fmt.Errorf("cachecore: hit_ratio_threshold must be in (0,1], got %f", c.HitRatioThreshold)
	}
	return c.withDefaults(), nil
}
