package types

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Read a JSON file and deserialize into a given type.
func LoadFromJsonFile[T any](path string, t *T) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(bytes, t)
}

// Serialize and save a JSON file. The data is written next to the target
// first and then renamed over it, so a power cut never leaves a truncated file.
func SaveToJsonFile[T any](path string, t *T) error {
	bytes, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(bytes); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
