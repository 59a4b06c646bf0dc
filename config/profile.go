package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/manager"
)

// profileFile is the YAML form of an experiment profile. The search space
// is either inline or a JSON file next to the profile.
type profileFile struct {
	manager.Profile `yaml:",inline"`
	SearchSpace     map[string]interface{} `yaml:"searchSpace"`
	SearchSpaceFile string                 `yaml:"searchSpaceFile"`
}

// LoadProfile reads an experiment profile from a YAML file. The result is
// not validated; StartExperiment does that.
func LoadProfile(path string) (manager.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manager.Profile{}, errors.Wrapf(err, "reading profile %s", path)
	}
	return ParseProfile(data, filepath.Dir(path))
}

// ParseProfile decodes YAML profile text. A relative searchSpaceFile is
// resolved against dir.
func ParseProfile(data []byte, dir string) (manager.Profile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return manager.Profile{}, kerrors.NewValidationError("invalid profile: %v", err)
	}
	p := pf.Profile
	switch {
	case pf.SearchSpace != nil && pf.SearchSpaceFile != "":
		return manager.Profile{}, kerrors.NewValidationError("profile sets both searchSpace and searchSpaceFile")
	case pf.SearchSpace != nil:
		space, err := json.Marshal(pf.SearchSpace)
		if err != nil {
			return manager.Profile{}, kerrors.NewValidationError("searchSpace: %v", err)
		}
		p.SearchSpace = space
	case pf.SearchSpaceFile != "":
		path := pf.SearchSpaceFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		space, err := os.ReadFile(path)
		if err != nil {
			return manager.Profile{}, errors.Wrapf(err, "reading search space %s", path)
		}
		p.SearchSpace = space
	}
	return p, nil
}
