package storage

import (
	"Go2NetWatch/internal/config"
	"Go2NetWatch/internal/logging"
	"fmt"
	"sort"
)

// OpenFunc creates a repository from the storage configuration.
type OpenFunc func(cfg *config.StorageConfig) (Repository, error)

// registry holds the mapping of storage types to their constructors.
var registry = make(map[string]OpenFunc)

// Register registers a repository backend under name.
func Register(name string, open OpenFunc) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("storage type '%s' already registered", name))
	}
	registry[name] = open
}

// Backends lists the registered storage types.
func Backends() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the repository selected by cfg.Type.
func Open(cfg *config.StorageConfig) (Repository, error) {
	open, ok := registry[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown storage type: '%s'", cfg.Type)
	}
	logging.L("storage").Infof("Opening '%s' repository", cfg.Type)

	repo, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening storage type '%s': %w", cfg.Type, err)
	}
	return repo, nil
}
