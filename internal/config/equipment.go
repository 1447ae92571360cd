package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/factoryedge/eventgen/internal/model"
)

// LoadEquipmentConfig parses the JSON topology file: a top-level mapping from
// equipment name to its tags, metadata, and event rules. Malformed JSON is a
// startup-fatal error with a diagnostic.
func LoadEquipmentConfig(path string) (map[string]model.EquipmentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read equipment config %s: %w", path, err)
	}

	var cfg map[string]model.EquipmentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode equipment config %s: %w", path, err)
	}
	if len(cfg) == 0 {
		return nil, fmt.Errorf("equipment config %s defines no equipments", path)
	}
	return cfg, nil
}
