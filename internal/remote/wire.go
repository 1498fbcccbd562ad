package remote

import (
	"github.com/tyen901/fleet-sync/internal/model"
)

// wireModRef is one entry in requiredMods/optionalMods. Both "checksum"
// and the legacy "checkSum" spelling are accepted (§6 wire formats).
type wireModRef struct {
	ModName  string `json:"modName"`
	Checksum string `json:"checksum"`
	CheckSum string `json:"checkSum"`
	Enabled  bool   `json:"enabled"`
}

func (w wireModRef) effectiveChecksum() string {
	if w.Checksum != "" {
		return w.Checksum
	}

	return w.CheckSum
}

func (w wireModRef) toModel() model.ModRef {
	return model.ModRef{Name: w.ModName, Checksum: w.effectiveChecksum(), Enabled: w.Enabled}
}

// wireRootDoc is the root remote document (§6): repoName, checksum,
// required/optional mod lists, and an optional server list.
type wireRootDoc struct {
	RepoName     string       `json:"repoName"`
	Checksum     string       `json:"checksum"`
	CheckSum     string       `json:"checkSum"`
	RequiredMods []wireModRef `json:"requiredMods"`
	OptionalMods []wireModRef `json:"optionalMods"`
	Servers      []string     `json:"servers"`
}

func (w wireRootDoc) effectiveChecksum() string {
	if w.Checksum != "" {
		return w.Checksum
	}

	return w.CheckSum
}

// RepoDescriptor is the parsed repository descriptor, converted from wire
// form into the internal model.
type RepoDescriptor struct {
	RepoName     string
	Checksum     string
	RequiredMods []model.ModRef
	OptionalMods []model.ModRef
	Servers      []string
}

func (w wireRootDoc) toModel() RepoDescriptor {
	required := make([]model.ModRef, len(w.RequiredMods))
	for i, m := range w.RequiredMods {
		required[i] = m.toModel()
	}

	optional := make([]model.ModRef, len(w.OptionalMods))
	for i, m := range w.OptionalMods {
		optional[i] = m.toModel()
	}

	return RepoDescriptor{
		RepoName:     w.RepoName,
		Checksum:     w.effectiveChecksum(),
		RequiredMods: required,
		OptionalMods: optional,
		Servers:      w.Servers,
	}
}

// wirePartRecord is one Parts[] entry of a wireFileRecord (PascalCase, §6).
type wirePartRecord struct {
	Path     string
	Length   int64
	Start    int64
	Checksum string
}

func (w wirePartRecord) toModel() model.PartRecord {
	return model.PartRecord{Path: w.Path, Length: w.Length, Start: w.Start, Checksum: w.Checksum}
}

// wireFileRecord is one Files[] entry of a wireModManifest (PascalCase, §6).
type wireFileRecord struct {
	Path     string
	Length   int64
	Checksum string
	Type     string
	Parts    []wirePartRecord
}

func (w wireFileRecord) toModel() model.FileRecord {
	parts := make([]model.PartRecord, len(w.Parts))
	for i, p := range w.Parts {
		parts[i] = p.toModel()
	}

	ft := model.FileTypeOpaque
	if w.Type == "SwiftyPboFile" {
		ft = model.FileTypePBO
	}

	return model.FileRecord{Path: w.Path, Length: w.Length, Checksum: w.Checksum, Type: ft, Parts: parts}
}

// wireModManifest is the per-mod document fetched from the remote
// (PascalCase, §6): Name, Checksum, Files.
type wireModManifest struct {
	Name     string
	Checksum string
	Files    []wireFileRecord
}

func (w wireModManifest) toModel() model.ModManifest {
	files := make([]model.FileRecord, len(w.Files))
	for i, f := range w.Files {
		files[i] = f.toModel()
	}

	return model.ModManifest{Name: w.Name, Checksum: w.Checksum, Files: files}
}
