package mirror

import (
	"log"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/astroworks/gopmc/mirror/stepper"
)

// positionRecordID keys the singleton record; there is exactly one mirror.
const positionRecordID = 1

// PositionRecord is the persisted actuator state, written after every
// confirmed move or home so positions survive a power loss.
type PositionRecord struct {
	ID      int `storm:"id"`
	A, B, C int32
	Homed   bool
	SavedAt time.Time
}

func (r PositionRecord) Targets() stepper.Targets {
	return stepper.Targets{r.A, r.B, r.C}
}

// PersistenceBridge reads and writes the position record in the embedded
// database. Never called from the tick context; the controller defers saves
// to a lower priority goroutine.
type PersistenceBridge struct {
	db *storm.DB
}

func NewPersistenceBridge(db *storm.DB) (p *PersistenceBridge, err error) {
	if err = db.Init(&PositionRecord{}); err != nil {
		return nil, err
	}
	return &PersistenceBridge{db: db}, nil
}

// Load returns the last committed record. A missing or unreadable record is
// not an error: it comes back as the never-homed sentinel.
func (p *PersistenceBridge) Load() (rec PositionRecord) {
	err := p.db.One("ID", positionRecordID, &rec)
	if err != nil {
		if err != storm.ErrNotFound {
			log.Printf("position record unreadable, treating as never homed: %v", err)
		}
		return PositionRecord{ID: positionRecordID}
	}
	return rec
}

func (p *PersistenceBridge) Save(t stepper.Targets, homed bool) error {
	return p.db.Save(&PositionRecord{
		ID:      positionRecordID,
		A:       t[stepper.AxisA],
		B:       t[stepper.AxisB],
		C:       t[stepper.AxisC],
		Homed:   homed,
		SavedAt: time.Now().UTC(),
	})
}

// Reset writes the never-homed sentinel.
func (p *PersistenceBridge) Reset() error {
	return p.db.Save(&PositionRecord{ID: positionRecordID, SavedAt: time.Now().UTC()})
}
