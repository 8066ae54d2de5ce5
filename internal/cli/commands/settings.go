// Copyright 2025 FlashFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"flashfs/internal/engine"
)

// Settings are the user-level defaults read from ~/.flashfs/settings.yaml.
// A missing file yields defaults; a malformed one is an error.
type Settings struct {
	LogLevel        string `yaml:"log_level"`
	GCPolicy        string `yaml:"gc_policy"`
	SSR             bool   `yaml:"ssr"`
	BackgroundGC    bool   `yaml:"background_gc"`
	LowFreeSections uint32 `yaml:"low_free_sections"`
}

// DefaultSettings mirrors engine.DefaultMountOptions.
func DefaultSettings() Settings {
	opts := engine.DefaultMountOptions()
	return Settings{
		LogLevel:        "warning",
		GCPolicy:        opts.Policy,
		SSR:             opts.SSR,
		BackgroundGC:    opts.BackgroundGC,
		LowFreeSections: opts.LowFreeSections,
	}
}

// settingsPath returns ~/.flashfs/settings.yaml.
func settingsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flashfs", "settings.yaml"), nil
}

// LoadSettings reads the settings file, falling back to defaults when it
// does not exist.
func LoadSettings() (Settings, error) {
	s := DefaultSettings()
	path, err := settingsPath()
	if err != nil {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("malformed %s: %w", path, err)
	}
	return s, nil
}

// MountOptions converts settings to engine mount options.
func (s Settings) MountOptions() engine.MountOptions {
	opts := engine.DefaultMountOptions()
	opts.SSR = s.SSR
	opts.BackgroundGC = s.BackgroundGC
	opts.LowFreeSections = s.LowFreeSections
	opts.Policy = s.GCPolicy
	return opts
}
