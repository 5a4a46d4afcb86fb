package contract

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// contractFile is the on-disk shape of a verb-definition file. One file may
// declare several contracts.
type contractFile struct {
	Contracts []Contract `yaml:"contracts"`
}

// LoadDir loads every *.yaml / *.yml file under dir into a Registry.
//
// Files are read in sorted path order so diagnostics are stable, though the
// resulting registry (and its hash) is order-independent anyway.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("contracts directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan contracts: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no contract files found in %s", dir)
	}
	sort.Strings(paths)

	var all []Contract
	for _, path := range paths {
		contracts, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		all = append(all, contracts...)
	}
	return NewRegistry(all)
}

func loadFile(path string) ([]Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f contractFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Contracts) == 0 {
		return nil, fmt.Errorf("%s declares no contracts", path)
	}
	return f.Contracts, nil
}
