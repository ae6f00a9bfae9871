package fps

import (
	"time"

	"github.com/asdine/storm/v3"
	"github.com/google/uuid"
)

// TrajectoryDump is the best-effort diagnostic record written after every
// trajectory, successful or not.
type TrajectoryDump struct {
	ID             string `storm:"id"`
	StartTime      time.Time
	EndTime        time.Time
	Success        bool
	Positioners    []int
	FinalPositions map[int][2]float64
	Failed         map[int]string
}

// disabledRecord persists the sticky disabled flag across restarts.
type disabledRecord struct {
	ID int `storm:"id"`
}

// DumpStore is the embedded database holding trajectory dumps and the
// disabled-positioner set.
type DumpStore struct {
	db *storm.DB
}

func OpenDumpStore(path string) (*DumpStore, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, err
	}
	return &DumpStore{db: db}, nil
}

// SaveDump assigns an id and persists the record.
func (s *DumpStore) SaveDump(dump *TrajectoryDump) error {
	if dump.ID == "" {
		dump.ID = uuid.NewString()
	}
	return s.db.Save(dump)
}

// Dumps returns every stored trajectory record.
func (s *DumpStore) Dumps() ([]TrajectoryDump, error) {
	var dumps []TrajectoryDump
	err := s.db.All(&dumps)
	if err == storm.ErrNotFound {
		err = nil
	}
	return dumps, err
}

// SetDisabled persists or clears a positioner's disabled flag.
func (s *DumpStore) SetDisabled(positionerID int, disabled bool) error {
	if disabled {
		return s.db.Save(&disabledRecord{ID: positionerID})
	}
	err := s.db.DeleteStruct(&disabledRecord{ID: positionerID})
	if err == storm.ErrNotFound {
		err = nil
	}
	return err
}

// Disabled returns the persisted disabled set.
func (s *DumpStore) Disabled() (map[int]bool, error) {
	var records []disabledRecord
	err := s.db.All(&records)
	if err != nil && err != storm.ErrNotFound {
		return nil, err
	}
	out := make(map[int]bool, len(records))
	for _, r := range records {
		out[r.ID] = true
	}
	return out, nil
}

func (s *DumpStore) Close() error {
	return s.db.Close()
}
