package run

import (
	"encoding/json"
	"time"

	"github.com/kbukum/runkit/errors"
)

// Snapshot is a point-in-time copy of a Run as handed to persistence.
// Seq increases monotonically per run so stores can drop stale writes.
type Snapshot struct {
	RunID   string    `json:"runId"`
	Seq     uint64    `json:"seq"`
	TakenAt time.Time `json:"takenAt"`
	Final   bool      `json:"final"`
	Run     *Run      `json:"run"`
}

// Snapshot deep-copies r into a Snapshot.
func (r *Run) Snapshot(seq uint64, now time.Time) Snapshot {
	return Snapshot{
		RunID:   r.ID,
		Seq:     seq,
		TakenAt: now,
		Final:   r.Status.Terminal(),
		Run:     r.Clone(),
	}
}

// EncodeSnapshot serializes s as JSON.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Internal(err).WithDetail("run_id", s.RunID)
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, errors.DatabaseError(err).WithDetail("reason", "corrupt run snapshot")
	}
	if s.Run == nil {
		return Snapshot{}, errors.DatabaseError(nil).WithDetail("reason", "run snapshot has no run")
	}
	return s, nil
}
