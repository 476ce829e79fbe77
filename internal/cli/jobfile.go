package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bobarin/composer/internal/models"
	"github.com/bobarin/composer/internal/storage"
)

// JobFile is a render request on disk. Request has the same fields as the
// matching API body, written in YAML or JSON:
//
//	type: compose
//	request:
//	  transition_kind: fade
//	  transition_duration_seconds: 1
//	  clips:
//	    - source_ref: intro.mp4
//	    - source_ref: talk.mov
//	      target_duration_seconds: 12
type JobFile struct {
	Type    models.JobType         `yaml:"type"`
	Request map[string]interface{} `yaml:"request"`
}

// LoadJobFile reads a job file. Relative local source_ref values are taken
// relative to the file's directory.
func LoadJobFile(path string) (models.JobType, json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read job file: %w", err)
	}

	var jf JobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return "", nil, fmt.Errorf("parse job file %s: %w", path, err)
	}
	if jf.Type == "" {
		return "", nil, fmt.Errorf("job file %s: type is required", path)
	}
	if jf.Request == nil {
		return "", nil, fmt.Errorf("job file %s: request is required", path)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return "", nil, err
	}
	rebaseSourceRefs(jf.Request, baseDir)

	raw, err := json.Marshal(jf.Request)
	if err != nil {
		return "", nil, fmt.Errorf("encode request: %w", err)
	}
	return jf.Type, raw, nil
}

// rebaseSourceRefs walks the decoded request and anchors every relative
// local source_ref at baseDir.
func rebaseSourceRefs(v interface{}, baseDir string) {
	switch node := v.(type) {
	case map[string]interface{}:
		for k, child := range node {
			if ref, ok := child.(string); ok && k == "source_ref" {
				node[k] = rebase(ref, baseDir)
				continue
			}
			rebaseSourceRefs(child, baseDir)
		}
	case []interface{}:
		for _, child := range node {
			rebaseSourceRefs(child, baseDir)
		}
	}
}

func rebase(ref, baseDir string) string {
	if ref == "" || storage.IsRemote(ref) || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(baseDir, ref)
}
