// Package loadmodel discovers trained models dropped into the models
// directory by the training side of the pipeline.
package loadmodel

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Model is one discovered candidate in the models directory.
type Model struct {
	// Name is the stable key of the model: the file or directory base name,
	// stripped of any file extension.
	Name string

	// Path is the full path handed to the evaluator backend. For directory
	// models this is the directory itself.
	Path string

	// ModTime orders candidates; the newest one wins.
	ModTime time.Time
}

// FindLatestModel scans modelsDir and returns the newest model candidate, by
// modification time. A candidate is any regular file or directory that is not
// hidden and not an in-progress upload (".tmp" suffix). found is false when
// the directory is empty of candidates; that is not an error.
func FindLatestModel(modelsDir string) (latest Model, found bool, err error) {
	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		return Model{}, false, errors.Wrapf(err, "cannot read models directory %q", modelsDir)
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Entry disappeared mid-scan, likely a sibling process moving
			// files around. Skip it.
			continue
		}
		modelName := name
		if !entry.IsDir() {
			if ext := filepath.Ext(name); ext != "" {
				modelName = strings.TrimSuffix(name, ext)
			}
		}
		if modelName == "" {
			continue
		}
		if !found || info.ModTime().After(latest.ModTime) {
			latest = Model{
				Name:    modelName,
				Path:    filepath.Join(modelsDir, name),
				ModTime: info.ModTime(),
			}
			found = true
		}
	}
	return latest, found, nil
}
