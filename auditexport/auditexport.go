// Package auditexport snapshots the capability, policy, and resource
// audit logs as files under an in-memory virtual filesystem, for
// inspection and golden-file style test assertions without touching
// real disk (spec §6 "no persistent on-disk state").
package auditexport

import (
	"encoding/json"
	"fmt"

	"github.com/rainycape/vfs"

	"github.com/dataparency-dev/capkernel/audit"
)

// Snapshot writes one JSON file per named log into a fresh in-memory
// filesystem and returns it. Keys become file names
// (`<name>.json`); callers typically pass "capability", "policy",
// "resource".
func Snapshot(logs map[string]*audit.Log) (vfs.VFS, error) {
	fs, err := vfs.Memory()
	if err != nil {
		return nil, fmt.Errorf("auditexport: creating memory filesystem: %w", err)
	}
	for name, log := range logs {
		if log == nil {
			continue
		}
		data, err := json.MarshalIndent(log.Entries(), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("auditexport: marshal %q: %w", name, err)
		}
		f, err := vfs.Create(fs, name+".json")
		if err != nil {
			return nil, fmt.Errorf("auditexport: create %q: %w", name, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return nil, fmt.Errorf("auditexport: write %q: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("auditexport: close %q: %w", name, err)
		}
	}
	return fs, nil
}

// ReadBack reads a previously-snapshotted log file back out as raw
// JSON bytes, mainly for test assertions against the exported tree.
func ReadBack(fs vfs.VFS, name string) ([]byte, error) {
	f, err := fs.Open(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("auditexport: open %q: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("auditexport: stat %q: %w", name, err)
	}
	buf := make([]byte, info.Size())
	n, err := f.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("auditexport: read %q: %w", name, err)
	}
	return buf[:n], nil
}
