// Package model holds the data types shared across the sync engine's
// component packages: the remote manifest tree, the local summary tree,
// the sync plan, and the artifacts produced by executing it.
package model

// FileType distinguishes an opaque file from a structured container (PBO)
// for the purposes of content hashing (see package hashing).
type FileType int

const (
	// FileTypeOpaque is any file hashed as fixed-size windows.
	FileTypeOpaque FileType = iota
	// FileTypePBO is a structured-container file hashed by header/entry/data parts.
	FileTypePBO
)

// PartRecord is a sub-range of a file with its own checksum, used to build
// the file's overall two-level digest.
type PartRecord struct {
	Path     string
	Length   int64
	Start    int64
	Checksum string
}

// FileRecord describes one file inside a mod manifest.
type FileRecord struct {
	Path     string // wire form: forward-slash, normalized
	Length   int64
	Checksum string
	Type     FileType
	Parts    []PartRecord
}

// ModManifest is the per-mod document fetched from the remote, or reused
// from the baseline.
type ModManifest struct {
	Name     string
	Checksum string
	Files    []FileRecord
}

// ModRef is a required/optional mod entry in the repository descriptor.
type ModRef struct {
	Name     string
	Checksum string
	Enabled  bool
}

// RepoDescriptor is the root remote document.
type RepoDescriptor struct {
	RepoName     string
	Checksum     string
	RequiredMods []ModRef
	OptionalMods []ModRef
	Servers      []string
}

// Manifest is the aggregate, authoritative internal representation: a
// version tag plus the ordered sequence of mod manifests.
type Manifest struct {
	Version int
	Mods    []ModManifest
}

// ModByName returns the mod manifest with the given name, or nil.
func (m *Manifest) ModByName(name string) *ModManifest {
	for i := range m.Mods {
		if m.Mods[i].Name == name {
			return &m.Mods[i]
		}
	}

	return nil
}

// LocalFileSummary is a lightweight per-file descriptor used for fast-path
// integrity checks: normalized relative path, mtime (seconds since epoch),
// size, and content checksum.
type LocalFileSummary struct {
	RelPath  string
	Mtime    int64
	Size     int64
	Checksum string
}

// LocalModSummary is the per-mod aggregate of local file summaries.
type LocalModSummary struct {
	ModName string
	Files   []LocalFileSummary
}

// Summary is the ordered sequence of per-mod local summaries.
type Summary []LocalModSummary

// ModByName returns the mod summary with the given name, or nil.
func (s Summary) ModByName(name string) *LocalModSummary {
	for i := range s {
		if s[i].ModName == name {
			return &s[i]
		}
	}

	return nil
}

// ScanCacheEntry is the cached (mtime, size, checksum) triple for one
// (mod, rel_path) pair, letting a metadata-matching file skip rehashing.
type ScanCacheEntry struct {
	Mtime    int64
	Size     int64
	Checksum string
}

// Trust describes how a LocalState was derived, and so how far its
// checksums can be taken to reflect current disk content. The constants
// follow scan-mode order, not an order of strength.
type Trust int

const (
	TrustCacheOnly Trust = iota
	TrustMetadataOnly
	TrustVerifiedSmart
	TrustVerifiedFull
	TrustMetadataLite
)

// LocalState is the output of the local state provider (§4.5): a manifest
// reconstructed from disk plus an optional summary and a trust level
// describing how authoritative its checksums are.
type LocalState struct {
	Manifest Manifest
	Summary  Summary
	Trust    Trust
}

// RenameAction moves a mod or file from OldPath to NewPath.
type RenameAction struct {
	OldPath string
	NewPath string
}

// CheckAction verifies a file already matches ExpectedChecksum without
// re-downloading it.
type CheckAction struct {
	Path             string
	ExpectedChecksum string
}

// DownloadAction fetches one remote file into the tree.
type DownloadAction struct {
	ModName          string
	RelPath          string
	ExpectedSize     int64
	ExpectedChecksum string
}

// DeleteAction removes a single file or, when Path contains no slash, an
// entire mod directory.
type DeleteAction struct {
	Path string
}

// Plan is the minimal set of filesystem mutations that transforms the
// local tree into the remote tree: four disjoint lists.
type Plan struct {
	Renames   []RenameAction
	Checks    []CheckAction
	Downloads []DownloadAction
	Deletes   []DeleteAction
}

// Empty reports whether the plan has no mutations to perform (the
// no-op guard of §4.9 considers only Downloads, Deletes and Renames;
// Checks never mutate anything).
func (p *Plan) Empty() bool {
	return len(p.Renames) == 0 && len(p.Downloads) == 0 && len(p.Deletes) == 0
}

// SyncArtifact is recorded by the executor for each successfully
// downloaded file and consumed by the engine to update the scan cache.
type SyncArtifact struct {
	ModName    string
	RelPath    string
	FinalMtime int64
	FinalSize  int64
	Checksum   string
}

// ScanMode selects one of the five local-state-provider strategies (§4.5).
type ScanMode int

const (
	ModeCacheOnly ScanMode = iota
	ModeMetadataOnly
	ModeSmartVerify
	ModeFullRehash
	ModeFastCheck
)

// Step names the five pipeline phases tracked by Run state (§3).
type Step int

const (
	StepFetch Step = iota
	StepScan
	StepDiff
	StepExecute
	StepPostScan
)

func (s Step) String() string {
	switch s {
	case StepFetch:
		return "Fetch"
	case StepScan:
		return "Scan"
	case StepDiff:
		return "Diff"
	case StepExecute:
		return "Execute"
	case StepPostScan:
		return "PostScan"
	default:
		return "Unknown"
	}
}

// StepStatus is the per-step state machine: Pending -> Running -> one of
// Succeeded, Failed, Skipped.
type StepStatus int

const (
	StatusPending StepStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusSkipped
)

func (s StepStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusRunning:
		return "Running"
	case StatusSucceeded:
		return "Succeeded"
	case StatusFailed:
		return "Failed"
	case StatusSkipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}
