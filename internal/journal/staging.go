package journal

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fetchkit/fetchkit/errs"
)

const (
	stagingPrefix = "."
	stagingSuffix = ".download"
	journalName   = "journal"
	lockName      = "lock"
)

// StagingDir returns the staging directory for a final output path:
// a dotted sibling directory, e.g. /d/file.bin -> /d/.file.bin.download
func StagingDir(finalPath string) string {
	dir := filepath.Dir(finalPath)
	base := filepath.Base(finalPath)
	return filepath.Join(dir, stagingPrefix+base+stagingSuffix)
}

// JobID derives a stable identifier from the final output path so a
// resumed job lands on the same staging directory and journal.
func JobID(finalPath string) string {
	abs, err := filepath.Abs(finalPath)
	if err != nil {
		abs = finalPath
	}
	sum := sha1.Sum([]byte(abs))
	return hex.EncodeToString(sum[:8])
}

// Dir is an exclusively held staging directory. Exclusivity is enforced
// with an advisory lock file containing the owner token and pid.
type Dir struct {
	Root  string
	token string
}

// Open creates (or reopens) the staging directory for finalPath and
// acquires the advisory lock. A live lock held by another process
// returns KindBusy; a lock left behind by a dead process is reclaimed.
func Open(finalPath string) (*Dir, error) {
	root := StagingDir(finalPath)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errs.Wrap(errs.KindIoPermission, "creating staging directory", err)
	}
	d := &Dir{Root: root, token: uuid.NewString()}
	if err := d.acquireLock(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dir) acquireLock() error {
	payload := fmt.Sprintf("%s %d\n", d.token, os.Getpid())
	lockPath := d.LockPath()
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err == nil {
		_, werr := f.WriteString(payload)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(lockPath)
			return errs.Wrap(errs.KindIoPermission, "writing lock file", werr)
		}
		return nil
	}
	if !os.IsExist(err) {
		return errs.Wrap(errs.KindIoPermission, "creating lock file", err)
	}
	// Lock exists: live owner means busy, dead owner means stale.
	content, rerr := os.ReadFile(lockPath)
	if rerr == nil {
		fields := strings.Fields(string(content))
		if len(fields) == 2 {
			if pid, perr := strconv.Atoi(fields[1]); perr == nil && pidAlive(pid) {
				return errs.Newf(errs.KindBusy, "staging directory %s locked by pid %d", d.Root, pid)
			}
		}
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return errs.Wrap(errs.KindIoPermission, "removing stale lock", err)
	}
	// Retry once; a concurrent claimer winning the race reports busy.
	f, err = os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errs.Newf(errs.KindBusy, "staging directory %s locked", d.Root)
	}
	_, werr := f.WriteString(payload)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(lockPath)
		return errs.Wrap(errs.KindIoPermission, "writing lock file", werr)
	}
	return nil
}

// SegmentPath returns the staging file for a segment index, e.g. seg.0003.
func (d *Dir) SegmentPath(index int) string {
	return filepath.Join(d.Root, fmt.Sprintf("seg.%04d", index))
}

func (d *Dir) JournalPath() string {
	return filepath.Join(d.Root, journalName)
}

func (d *Dir) journalTempPath() string {
	return filepath.Join(d.Root, journalName+".tmp")
}

func (d *Dir) LockPath() string {
	return filepath.Join(d.Root, lockName)
}

// Wipe removes all segment files and the journal while keeping the
// directory and lock, resetting the job to an empty slate.
func (d *Dir) Wipe() error {
	entries, err := os.ReadDir(d.Root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Name() == lockName {
			continue
		}
		if err := os.Remove(filepath.Join(d.Root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Release drops the advisory lock but keeps staging contents for a
// later resume.
func (d *Dir) Release() {
	os.Remove(d.LockPath())
}

// Remove deletes the whole staging directory, lock included.
func (d *Dir) Remove() error {
	return os.RemoveAll(d.Root)
}
