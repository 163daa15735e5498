package loaderconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// LoadTOML loads a configuration file in TOML.
func LoadTOML(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing TOML config %s: %w", path, err)
	}

	return &f, nil
}
