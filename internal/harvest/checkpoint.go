package harvest

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/veredas-cli/internal/geodata"
)

// ErrInconsistentResume is returned by a strict resume when the persisted
// state does not match the requested offset.
var ErrInconsistentResume = eris.New("harvest: inconsistent resume state")

// Checkpoint pairs a persisted snapshot with the offset it was taken at.
type Checkpoint struct {
	RunID      string    `json:"run_id"`
	NextOffset int       `json:"next_offset"`
	Features   int       `json:"features"`
	BatchSize  int       `json:"batch_size"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PartialPath returns the snapshot path for an output file.
func PartialPath(output string) string { return output + ".partial" }

// CheckpointPath returns the checkpoint record path for an output file.
func CheckpointPath(output string) string { return output + ".checkpoint" }

// ReadCheckpoint loads the record beside output. A missing record returns
// nil, nil.
func ReadCheckpoint(output string) (*Checkpoint, error) {
	data, err := os.ReadFile(CheckpointPath(output))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "harvest: read checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, eris.Wrap(err, "harvest: decode checkpoint")
	}
	return &cp, nil
}

func writeCheckpoint(output string, cp Checkpoint) error {
	return geodata.WriteAtomic(CheckpointPath(output), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cp)
	})
}

// verifyResume checks that a checkpoint record vouches for resuming at
// offset with the loaded feature count.
func verifyResume(cp *Checkpoint, offset, loaded int) error {
	if cp == nil {
		return eris.Wrapf(ErrInconsistentResume, "no checkpoint record for offset %d", offset)
	}
	if cp.NextOffset != offset {
		return eris.Wrapf(ErrInconsistentResume, "checkpoint expects offset %d, got %d", cp.NextOffset, offset)
	}
	if cp.Features != loaded {
		return eris.Wrapf(ErrInconsistentResume, "checkpoint recorded %d features, loaded %d", cp.Features, loaded)
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return eris.Wrapf(err, "harvest: remove %s", path)
}
