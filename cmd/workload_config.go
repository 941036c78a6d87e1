package cmd

import (
	"bytes"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/inference-engine/engine/workload"
)

// loadWorkloadSpec reads a workload YAML file over workload.DefaultSpec. Unknown
// fields are errors so typos cannot silently fall back to defaults.
func loadWorkloadSpec(path string) (workload.Spec, error) {
	spec := workload.DefaultSpec()
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, errors.Wrap(err, "reading workload spec")
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return spec, errors.Wrapf(err, "parsing workload spec %s", path)
	}
	return spec, nil
}
