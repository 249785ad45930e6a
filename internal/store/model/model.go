// Package model defines the GORM row types backing the persistent store:
// one per-adapter SQLite database holding the Metadata, Multiplexes,
// Services, and PIDs tables described in spec.md §6.
package model

// Metadata is a free-form name/value row used for schema version, LNB
// frequencies, and scan state.
type Metadata struct {
	Name  string `gorm:"primaryKey"`
	Value string
}

// Multiplex is one transport stream on one carrier. TuningParams is stored
// as a flattened "key=value;key=value" blob; internal/store encodes and
// decodes it against the dvbdevice.TuningParams map.
type Multiplex struct {
	UID               string `gorm:"primaryKey;type:varchar(26)"`
	DeliverySystem    string
	Frequency         uint32
	TuningParams      string
	TransportStreamID uint16
	OriginalNetworkID uint16
	PATVersion        int
}

func (Multiplex) TableName() string { return "multiplexes" }

// Service is one service (channel) row, keyed by (multiplex_uid, id) per
// spec.md §6.
type Service struct {
	MultiplexUID      string `gorm:"primaryKey;type:varchar(26)"`
	ID                uint16 `gorm:"primaryKey"` // service_id / program_number
	SourceID          uint16
	Name              string
	Provider          string
	DefaultAuthority  string
	Type              int
	CA                bool
	PMTPID            uint16
	PMTVersion        int
	PCRPID            uint16
}

func (Service) TableName() string { return "services" }

// PIDSpecialPMT and PIDSpecialPCRBase mirror spec.md §6's encoding of the
// synthetic PMT-PID and PCR-PID rows within the PIDs table: 0x2001 for the
// service's PMT PID, and 0x8000 | pcr_pid for its PCR PID, so both survive
// a service's regular stream-PID rows being replaced wholesale on every
// PMT update without a separate table.
const (
	PIDSpecialPMT     = 0x2001
	PIDSpecialPCRBase = 0x8000
)

// PID is one elementary-stream (or synthetic PMT/PCR) row for a service,
// keyed by (multiplex_uid, service_id, pid).
type PID struct {
	MultiplexUID string `gorm:"primaryKey;type:varchar(26)"`
	ServiceID    uint16 `gorm:"primaryKey"`
	PID          uint32 `gorm:"primaryKey"` // uint32 so PIDSpecialPCRBase|pcr fits without wraparound
	Type         uint8
	SubType      uint8
	PMTVersion   int
	Descriptors  []byte
}

func (PID) TableName() string { return "pids" }
