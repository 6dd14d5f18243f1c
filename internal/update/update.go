package update

import (
	"errors"
	"fmt"

	"github.com/bigbag/sdboot/internal/diag"
	"github.com/bigbag/sdboot/internal/storage"
)

// ErrStorageUnavailable is returned when the markers cannot be checked.
// Callers treat it like "no update".
var ErrStorageUnavailable = errors.New("storage unavailable")

// Slot is an update image slot.
type Slot struct {
	ID     string // "A" or "B"
	Marker string // marker file name, without drive prefix
	Image  string // image file name, without drive prefix
}

// None is the zero Slot: no update requested.
var None = Slot{}

// IsNone reports whether s selects no update.
func (s Slot) IsNone() bool {
	return s.ID == ""
}

func (s Slot) String() string {
	if s.IsNone() {
		return "none"
	}
	return s.ID
}

// DefaultSlots returns the A and B slots with the reference file names.
func DefaultSlots() []Slot {
	return []Slot{
		{ID: "A", Marker: "FlagA.txt", Image: "TestA.bin"},
		{ID: "B", Marker: "FlagB.txt", Image: "TestB.bin"},
	}
}

// Selector checks a volume for update markers. A marker is consumed as soon
// as it is seen, so an update is applied at most once.
type Selector struct {
	volume storage.Volume
	lun    int
	slots  []Slot
	logger diag.Logger
}

// NewSelector creates a Selector checking slots in order on the volume
// mounted as drive lun. A nil logger discards diagnostics.
func NewSelector(volume storage.Volume, lun int, slots []Slot, logger diag.Logger) *Selector {
	if logger == nil {
		logger = diag.Nop
	}
	return &Selector{volume: volume, lun: lun, slots: slots, logger: logger}
}

// MarkerPath returns the volume path of a slot's marker.
func (s *Selector) MarkerPath(slot Slot) string {
	return storage.Path(s.lun, slot.Marker)
}

// ImagePath returns the volume path of a slot's image.
func (s *Selector) ImagePath(slot Slot) string {
	return storage.Path(s.lun, slot.Image)
}

// Select returns the first slot whose marker is present and removes that
// marker. It returns None when no marker exists.
func (s *Selector) Select() (Slot, error) {
	for _, slot := range s.slots {
		marker := s.MarkerPath(slot)

		_, err := s.volume.Stat(marker)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("cannot check boot flag", "marker", marker, "err", err)
			return None, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}

		s.logger.Info("loading boot flag", "slot", slot.ID)

		// A marker that cannot be removed is still applied once now.
		if err := s.volume.Remove(marker); err != nil {
			s.logger.Error("cannot delete boot flag", "marker", marker, "err", err)
		} else {
			s.logger.Info("boot flag deleted", "marker", marker)
		}
		return slot, nil
	}

	s.logger.Info("no boot flag")
	return None, nil
}
