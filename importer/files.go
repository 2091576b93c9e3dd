package importer

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ConfigFile is a named YAML source for YAMLConfigUnmarshaler.
type ConfigFile struct {
	Name   string
	Reader io.Reader
	Length int
}

// DefaultsConfigFile returns the embedded defaults, layered beneath the operator's file.
func DefaultsConfigFile() ConfigFile {
	return ConfigFile{
		Name:   "defaults.yaml",
		Reader: bytes.NewReader(defaultsYAML),
		Length: len(defaultsYAML),
	}
}

// MustFindConfigFile reads the operator's configuration file.
func MustFindConfigFile(path string) (ConfigFile, error) {
	var result ConfigFile
	data, err := os.ReadFile(path)
	if err != nil {
		return result, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	result.Name = path
	result.Reader = bytes.NewReader(data)
	result.Length = len(data)
	return result, nil
}
