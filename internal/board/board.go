package board

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigbag/sdboot/embedded"
	"github.com/bigbag/sdboot/internal/flasher"
	"github.com/bigbag/sdboot/internal/handoff"
	"github.com/bigbag/sdboot/internal/nvm"
	"github.com/bigbag/sdboot/internal/update"
)

// Slot names the marker and image files of one update slot.
type Slot struct {
	ID     string `yaml:"id"`
	Marker string `yaml:"marker"`
	Image  string `yaml:"image"`
}

// Window is a memory address range.
type Window struct {
	Start uint32 `yaml:"start"`
	Size  uint32 `yaml:"size"`
}

// Profile describes a board.
type Profile struct {
	Name            string        `yaml:"name"`
	AppBase         uint32        `yaml:"app_base"`
	PageSize        int           `yaml:"page_size"`
	RowSize         int           `yaml:"row_size"`
	PageCount       int           `yaml:"page_count"`
	ChunkSize       int           `yaml:"chunk_size"`
	CRCSeed         uint32        `yaml:"crc_seed"`
	LUN             int           `yaml:"lun"`
	Slots           []Slot        `yaml:"slots"`
	RAM             Window        `yaml:"ram"`
	MountRetryDelay time.Duration `yaml:"mount_retry_delay"`
	RowErrorPolicy  string        `yaml:"row_error_policy"`
	BlankCheck      bool          `yaml:"blank_check"`
	ValidateVectors bool          `yaml:"validate_vectors"`
}

// Default returns the embedded reference profile.
func Default() (*Profile, error) {
	p := &Profile{}
	if err := decode(embedded.Board(), p); err != nil {
		return nil, fmt.Errorf("embedded board profile: %w", err)
	}
	return p, p.Validate()
}

// Load reads a profile file. Keys missing from the file keep the values of
// the embedded profile.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read board profile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a profile over the embedded defaults.
func Parse(data []byte) (*Profile, error) {
	p, err := Default()
	if err != nil {
		return nil, err
	}
	if err := decode(data, p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decode(data []byte, p *Profile) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return fmt.Errorf("failed to parse board profile: %w", err)
	}
	return nil
}

// Validate checks that the profile is consistent.
func (p *Profile) Validate() error {
	geom := p.Geometry()
	if err := geom.Validate(); err != nil {
		return fmt.Errorf("board %s: %w", p.Name, err)
	}
	if p.ChunkSize != p.RowSize {
		return fmt.Errorf("board %s: chunk size %d must match row size %d", p.Name, p.ChunkSize, p.RowSize)
	}
	if int(p.AppBase)%p.RowSize != 0 {
		return fmt.Errorf("board %s: app base 0x%X is not row aligned", p.Name, p.AppBase)
	}
	if int(p.AppBase)+handoff.EntryOffset+4 > geom.Size() {
		return fmt.Errorf("board %s: app base 0x%X outside NVM", p.Name, p.AppBase)
	}
	if p.LUN < 0 {
		return fmt.Errorf("board %s: invalid lun %d", p.Name, p.LUN)
	}
	if len(p.Slots) == 0 {
		return fmt.Errorf("board %s: no update slots", p.Name)
	}

	seen := make(map[string]bool)
	for _, s := range p.Slots {
		if s.ID == "" || s.Marker == "" || s.Image == "" {
			return fmt.Errorf("board %s: incomplete slot %+v", p.Name, s)
		}
		for _, name := range []string{"id:" + s.ID, s.Marker, s.Image} {
			if seen[name] {
				return fmt.Errorf("board %s: duplicate slot name %q", p.Name, name)
			}
			seen[name] = true
		}
	}

	if _, err := flasher.ParsePolicy(p.RowErrorPolicy); err != nil {
		return fmt.Errorf("board %s: %w", p.Name, err)
	}
	if p.MountRetryDelay < 0 {
		return fmt.Errorf("board %s: negative mount retry delay", p.Name)
	}
	return nil
}

// Geometry returns the NVM geometry.
func (p *Profile) Geometry() nvm.Geometry {
	return nvm.Geometry{
		PageSize:  p.PageSize,
		RowSize:   p.RowSize,
		PageCount: p.PageCount,
	}
}

// UpdateSlots returns the slots in selection order.
func (p *Profile) UpdateSlots() []update.Slot {
	slots := make([]update.Slot, len(p.Slots))
	for i, s := range p.Slots {
		slots[i] = update.Slot{ID: s.ID, Marker: s.Marker, Image: s.Image}
	}
	return slots
}

// Slot returns the slot with the given id.
func (p *Profile) Slot(id string) (update.Slot, bool) {
	for _, s := range p.UpdateSlots() {
		if s.ID == id {
			return s, true
		}
	}
	return update.None, false
}

// Policy returns the row error policy.
func (p *Profile) Policy() flasher.Policy {
	policy, _ := flasher.ParsePolicy(p.RowErrorPolicy)
	return policy
}

// RAMRegion returns the RAM window checked by the vector validator.
func (p *Profile) RAMRegion() handoff.Region {
	return handoff.Region{Start: p.RAM.Start, Size: p.RAM.Size}
}

// FlashRegion returns the application part of NVM.
func (p *Profile) FlashRegion() handoff.Region {
	return handoff.Region{Start: p.AppBase, Size: uint32(p.Geometry().Size()) - p.AppBase}
}
