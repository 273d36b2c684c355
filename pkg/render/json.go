package render

import (
	"encoding/json"
	"io"
	"time"

	"github.com/kilnworks/kiln/pkg/types"
)

// projectDoc is the per-package JSON API document.
type projectDoc struct {
	Package  string                `json:"package"`
	Summary  string                `json:"summary,omitempty"`
	Skip     string                `json:"skip,omitempty"`
	Releases map[string]releaseDoc `json:"releases"`
}

type releaseDoc struct {
	Released string             `json:"released"`
	Yanked   bool               `json:"yanked"`
	Skip     string             `json:"skip,omitempty"`
	Files    map[string]fileDoc `json:"files"`
}

type fileDoc struct {
	Hash           string   `json:"hash"`
	Size           int64    `json:"size"`
	ABI            string   `json:"abi"`
	Platform       string   `json:"platform"`
	RequiresPython string   `json:"requires_python,omitempty"`
	AptDeps        []string `json:"apt_dependencies,omitempty"`
}

func writeProjectJSON(w io.Writer, data *types.ProjectData) error {
	doc := projectDoc{
		Package:  data.Name,
		Summary:  data.Description,
		Skip:     data.Skip,
		Releases: make(map[string]releaseDoc, len(data.Releases)),
	}
	for _, rel := range data.Releases {
		rd := releaseDoc{
			Released: rel.Released.UTC().Format(time.RFC3339),
			Yanked:   rel.Yanked,
			Skip:     rel.Skip,
			Files:    make(map[string]fileDoc, len(rel.Files)),
		}
		for _, f := range rel.Files {
			fd := fileDoc{
				Hash:           f.Filehash,
				Size:           f.Filesize,
				ABI:            f.ABITag,
				Platform:       f.PlatformTag,
				RequiresPython: f.RequiresPython,
			}
			for _, dep := range f.Dependencies {
				if dep.Tool == "apt" {
					fd.AptDeps = append(fd.AptDeps, dep.Dependency)
				}
			}
			rd.Files[f.Filename] = fd
		}
		doc.Releases[rel.Version] = rd
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
