// Package listfile reads YAML batch download lists.
package listfile

import (
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/fetchkit/fetchkit/errs"
)

// Entry pairs one source link with its destination path.
type Entry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
}

// Read loads a batch list, rejecting entries missing either side of
// the link/op pair.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindNotFound, "batch list "+path, err)
		}
		return nil, errs.Wrap(errs.KindIoPermission, "reading batch list", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errs.Wrap(errs.KindUnsupported, "batch list is not valid YAML", err)
	}
	for i, entry := range entries {
		if entry.URL == "" {
			return nil, errs.Newf(errs.KindUnsupported, "batch entry %d has no link", i+1)
		}
		if entry.OutputPath == "" {
			return nil, errs.Newf(errs.KindUnsupported, "batch entry %d has no output path", i+1)
		}
	}
	log.Debug().Str("component", "listfile").Int("count", len(entries)).Msg("Batch list loaded")
	return entries, nil
}
