// Package store implements the persistence facade the service cache
// writes back to and falls back to on a name-lookup miss (spec.md §6):
// one GORM-backed SQLite database per adapter, with Multiplexes, Services,
// and PIDs tables migrated via AutoMigrate exactly as the teacher migrates
// its own models. This is the only component that names the store's
// dialect; internal/cache depends only on the Store interface.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tsbridge/dvbstreamer-go/internal/cache"
	"github.com/tsbridge/dvbstreamer-go/internal/config"
	"github.com/tsbridge/dvbstreamer-go/internal/descriptor"
	"github.com/tsbridge/dvbstreamer-go/internal/store/model"
)

// Store is the GORM-backed implementation of cache.Store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the per-adapter SQLite database named
// by cfg, migrating the schema, and returns a ready Store.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := cfg.DatabasePath()
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(30000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                  newGormLogger(cfg.Store.LogLevel, logger),
		SkipDefaultTransaction:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.DatabasePath(), err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Store.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Store.MaxIdleConns)
	sqlDB.SetConnMaxIdleTime(cfg.Store.ConnMaxIdleTime)

	if err := db.AutoMigrate(&model.Metadata{}, &model.Multiplex{}, &model.Service{}, &model.PID{}); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// newGormLogger adapts cfg's textual level to GORM's logger levels,
// matching the teacher's database package.
func newGormLogger(level string, logger *slog.Logger) gormlogger.Interface {
	lvl := gormlogger.Warn
	switch level {
	case "silent":
		lvl = gormlogger.Silent
	case "error":
		lvl = gormlogger.Error
	case "info":
		lvl = gormlogger.Info
	}
	return gormlogger.New(slogWriter{logger}, gormlogger.Config{LogLevel: lvl})
}

type slogWriter struct{ logger *slog.Logger }

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Debug(fmt.Sprintf(format, args...))
}

// LoadMultiplex implements cache.Store.
func (s *Store) LoadMultiplex(uid string) (*cache.Multiplex, []*cache.Service, error) {
	var row model.Multiplex
	err := s.db.Where("uid = ?", uid).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("store: loading multiplex %s: %w", uid, err)
	}

	var svcRows []model.Service
	if err := s.db.Where("multiplex_uid = ?", uid).Find(&svcRows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: loading services for %s: %w", uid, err)
	}

	var pidRows []model.PID
	if err := s.db.Where("multiplex_uid = ?", uid).Find(&pidRows).Error; err != nil {
		return nil, nil, fmt.Errorf("store: loading pids for %s: %w", uid, err)
	}
	pidsByService := make(map[uint16][]model.PID, len(svcRows))
	for _, p := range pidRows {
		pidsByService[p.ServiceID] = append(pidsByService[p.ServiceID], p)
	}

	mux := multiplexFromRow(row)
	services := make([]*cache.Service, 0, len(svcRows))
	for _, r := range svcRows {
		services = append(services, serviceFromRow(r, pidsByService[r.ID]))
	}
	return mux, services, nil
}

// FindServiceByName implements cache.Store: a name lookup across every
// multiplex, not just the one currently loaded.
func (s *Store) FindServiceByName(name string) (*cache.Service, bool, error) {
	var row model.Service
	err := s.db.Where("name = ?", name).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: finding service %q: %w", name, err)
	}
	var pidRows []model.PID
	if err := s.db.Where("multiplex_uid = ? AND service_id = ?", row.MultiplexUID, row.ID).Find(&pidRows).Error; err != nil {
		return nil, false, fmt.Errorf("store: loading pids for %q: %w", name, err)
	}
	return serviceFromRow(row, pidRows), true, nil
}

// WriteBack implements cache.Store: a single transaction that deletes
// pending removals, upserts the multiplex, and replaces PID rows for every
// service dirty in PIDs.
func (s *Store) WriteBack(wb cache.WriteBack) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, svc := range wb.Deletes {
			if err := tx.Where("multiplex_uid = ? AND service_id = ?", svc.MultiplexUID, svc.ServiceID).Delete(&model.PID{}).Error; err != nil {
				return fmt.Errorf("store: deleting pids for service %d: %w", svc.ServiceID, err)
			}
			if err := tx.Where("multiplex_uid = ? AND id = ?", svc.MultiplexUID, svc.ServiceID).Delete(&model.Service{}).Error; err != nil {
				return fmt.Errorf("store: deleting service %d: %w", svc.ServiceID, err)
			}
		}

		if wb.Multiplex != nil {
			row := multiplexToRow(wb.Multiplex)
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("store: saving multiplex %s: %w", wb.Multiplex.UID, err)
			}
		}

		for _, svc := range wb.Upserts {
			row := serviceToRow(svc)
			if err := tx.Save(&row).Error; err != nil {
				return fmt.Errorf("store: saving service %d: %w", svc.ServiceID, err)
			}
			if svc.Program != nil {
				if err := tx.Where("multiplex_uid = ? AND service_id = ?", svc.MultiplexUID, svc.ServiceID).Delete(&model.PID{}).Error; err != nil {
					return fmt.Errorf("store: clearing pids for service %d: %w", svc.ServiceID, err)
				}
				pidRows := pidRowsFromService(svc)
				if len(pidRows) > 0 {
					if err := tx.Create(&pidRows).Error; err != nil {
						return fmt.Errorf("store: writing pids for service %d: %w", svc.ServiceID, err)
					}
				}
			}
		}
		return nil
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func multiplexFromRow(r model.Multiplex) *cache.Multiplex {
	return &cache.Multiplex{
		UID:               r.UID,
		DeliverySystem:    r.DeliverySystem,
		Frequency:         r.Frequency,
		TuningParams:      decodeTuningParams(r.TuningParams),
		TransportStreamID: r.TransportStreamID,
		OriginalNetworkID: r.OriginalNetworkID,
		PATVersion:        r.PATVersion,
	}
}

func multiplexToRow(m *cache.Multiplex) model.Multiplex {
	return model.Multiplex{
		UID:               m.UID,
		DeliverySystem:    m.DeliverySystem,
		Frequency:         m.Frequency,
		TuningParams:      encodeTuningParams(m.TuningParams),
		TransportStreamID: m.TransportStreamID,
		OriginalNetworkID: m.OriginalNetworkID,
		PATVersion:        m.PATVersion,
	}
}

func encodeTuningParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func decodeTuningParams(blob string) map[string]string {
	if blob == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(blob, ";") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func serviceFromRow(r model.Service, pidRows []model.PID) *cache.Service {
	svc := &cache.Service{
		UID:              r.MultiplexUID + ":" + strconv.Itoa(int(r.ID)),
		MultiplexUID:     r.MultiplexUID,
		ServiceID:        r.ID,
		SourceID:         r.SourceID,
		Name:             r.Name,
		Provider:         r.Provider,
		DefaultAuthority: r.DefaultAuthority,
		Type:             cache.ServiceType(r.Type),
		ConditionalAccess: r.CA,
		PMTPID:           r.PMTPID,
		PMTVersion:       r.PMTVersion,
		PCRPID:           r.PCRPID,
	}
	if len(pidRows) > 0 {
		svc.Program = programInfoFromRows(pidRows)
	}
	return svc
}

func serviceToRow(s *cache.Service) model.Service {
	return model.Service{
		MultiplexUID:     s.MultiplexUID,
		ID:               s.ServiceID,
		SourceID:         s.SourceID,
		Name:             s.Name,
		Provider:         s.Provider,
		DefaultAuthority: s.DefaultAuthority,
		Type:             int(s.Type),
		CA:               s.ConditionalAccess,
		PMTPID:           s.PMTPID,
		PMTVersion:       s.PMTVersion,
		PCRPID:           s.PCRPID,
	}
}

// pidRowsFromService flattens a Service's ProgramInfo into PID rows,
// including the synthetic PMT-PID and PCR-PID rows spec.md §6 names.
func pidRowsFromService(s *cache.Service) []model.PID {
	if s.Program == nil {
		return nil
	}
	rows := make([]model.PID, 0, len(s.Program.Streams)+2)
	rows = append(rows, model.PID{
		MultiplexUID: s.MultiplexUID,
		ServiceID:    s.ServiceID,
		PID:          model.PIDSpecialPMT,
		PMTVersion:   s.PMTVersion,
		Descriptors:  descriptor.RollUp(s.Program.Descriptors),
	})
	rows = append(rows, model.PID{
		MultiplexUID: s.MultiplexUID,
		ServiceID:    s.ServiceID,
		PID:          model.PIDSpecialPCRBase | uint32(s.Program.PCRPID),
		PMTVersion:   s.PMTVersion,
	})
	for _, st := range s.Program.Streams {
		rows = append(rows, model.PID{
			MultiplexUID: s.MultiplexUID,
			ServiceID:    s.ServiceID,
			PID:          uint32(st.PID),
			Type:         st.StreamType,
			PMTVersion:   s.PMTVersion,
			Descriptors:  descriptor.RollUp(st.Descriptors),
		})
	}
	return rows
}

// programInfoFromRows reverses pidRowsFromService, recovering the
// ProgramInfo (PCR PID, program-level descriptors, stream list) from the
// PIDs rows persisted for one service.
func programInfoFromRows(rows []model.PID) *cache.ProgramInfo {
	info := &cache.ProgramInfo{}
	for _, r := range rows {
		switch {
		case r.PID == model.PIDSpecialPMT:
			descs, _ := descriptor.Parse(r.Descriptors)
			info.Descriptors = descs
		case r.PID&model.PIDSpecialPCRBase != 0:
			info.PCRPID = uint16(r.PID &^ model.PIDSpecialPCRBase)
		default:
			descs, _ := descriptor.Parse(r.Descriptors)
			info.Streams = append(info.Streams, cache.Stream{
				PID:         uint16(r.PID),
				StreamType:  r.Type,
				Descriptors: descs,
			})
		}
	}
	return info
}
