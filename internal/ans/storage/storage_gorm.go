package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ans/internal/ans/apperr"
	"ans/internal/ans/ca"

	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	_ "modernc.org/sqlite"
)

// agentRecord is the relational row shape for Agent. ProtocolExtensions
// and Capabilities use GORM's JSON serializer so the abstract Port
// contract never leaks a storage-specific encoding into storage.Agent.
type agentRecord struct {
	AgentID            string         `gorm:"primaryKey"`
	ANSName            string         `gorm:"uniqueIndex"`
	Protocol           string         `gorm:"index"`
	Capability         string         `gorm:"index"`
	Provider           string         `gorm:"index"`
	Version            string
	Capabilities       []string       `gorm:"serializer:json"`
	ProtocolExtensions map[string]any `gorm:"serializer:json"`
	Endpoint           string
	CertificateSerial  string `gorm:"index"`
	CertificatePEM     []byte
	RegistrationTime   time.Time
	LastRenewalTime    *time.Time
	IsActive           bool `gorm:"index"`
}

func (agentRecord) TableName() string { return "ans_agents" }

func toRecord(agent *Agent) *agentRecord {
	return &agentRecord{
		AgentID:            agent.AgentID,
		ANSName:            agent.ANSName,
		Protocol:           agent.Protocol,
		Capability:         agent.Capability,
		Provider:           agent.Provider,
		Version:            agent.Version,
		Capabilities:       agent.Capabilities,
		ProtocolExtensions: agent.ProtocolExtensions,
		Endpoint:           agent.Endpoint,
		CertificateSerial:  agent.CertificateSerial,
		CertificatePEM:     agent.CertificatePEM,
		RegistrationTime:   agent.RegistrationTime,
		LastRenewalTime:    agent.LastRenewalTime,
		IsActive:           agent.IsActive,
	}
}

func (rec *agentRecord) toAgent() *Agent {
	return &Agent{
		AgentID:            rec.AgentID,
		ANSName:            rec.ANSName,
		Protocol:           rec.Protocol,
		Capability:         rec.Capability,
		Provider:           rec.Provider,
		Version:            rec.Version,
		Capabilities:       rec.Capabilities,
		ProtocolExtensions: rec.ProtocolExtensions,
		Endpoint:           rec.Endpoint,
		CertificateSerial:  rec.CertificateSerial,
		CertificatePEM:     rec.CertificatePEM,
		RegistrationTime:   rec.RegistrationTime,
		LastRenewalTime:    rec.LastRenewalTime,
		IsActive:           rec.IsActive,
	}
}

// revocationRecord is the relational row shape for ca.RevocationEntry.
type revocationRecord struct {
	Serial    string `gorm:"primaryKey"`
	RevokedAt time.Time
	Reason    int
}

func (revocationRecord) TableName() string { return "ans_revocations" }

func (rec *revocationRecord) toEntry() *ca.RevocationEntry {
	return &ca.RevocationEntry{Serial: rec.Serial, RevokedAt: rec.RevokedAt, Reason: ca.RevocationReason(rec.Reason)}
}

// GormStore is a relational Port implementation: PostgreSQL via
// jackc/pgx/v5 or SQLite via modernc.org/sqlite, chosen by the DSN
// scheme passed to NewGormStore. It satisfies exactly the same
// uniqueness and NotFound contract as MemoryStore so callers can swap
// between the two without changing ra/registry code.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens dsn and migrates the agent/revocation tables.
// A "postgres://" or "postgresql://" scheme selects the PostgreSQL
// driver; anything else is treated as a SQLite DSN (including
// "file::memory:?cache=shared" and on-disk paths).
func NewGormStore(dsn string) (*GormStore, error) {
	dialector, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "open gorm database", err)
	}

	if err := db.AutoMigrate(&agentRecord{}, &revocationRecord{}); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "migrate storage schema", err)
	}

	return &GormStore{db: db}, nil
}

func dialectorFor(dsn string) (gorm.Dialector, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, apperr.Wrap(apperr.InternalError, "open postgres connection", err)
		}

		return postgres.New(postgres.Config{Conn: sqlDB}), nil
	}

	sqlDB, err := sql.Open("sqlite", strings.TrimPrefix(dsn, "sqlite://"))
	if err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "open sqlite connection", err)
	}

	return sqlite.Dialector{Conn: sqlDB}, nil
}

// Close releases the underlying connection pool.
func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "access underlying sql.DB", err)
	}

	return sqlDB.Close()
}

func (g *GormStore) PutAgent(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return apperr.New(apperr.InternalError, "nil agent")
	}

	if err := g.db.WithContext(ctx).Create(toRecord(agent)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.New(apperr.AlreadyRegistered, fmt.Sprintf("agent_id %q or ans_name %q already registered", agent.AgentID, agent.ANSName))
		}

		return apperr.Wrap(apperr.InternalError, "insert agent", err)
	}

	return nil
}

func (g *GormStore) GetByID(ctx context.Context, agentID string) (*Agent, error) {
	var rec agentRecord
	if err := g.db.WithContext(ctx).First(&rec, "agent_id = ?", agentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("agent %q not found", agentID))
		}

		return nil, apperr.Wrap(apperr.InternalError, "query agent by id", err)
	}

	return rec.toAgent(), nil
}

func (g *GormStore) GetByANSName(ctx context.Context, ansName string) (*Agent, error) {
	var rec agentRecord
	if err := g.db.WithContext(ctx).First(&rec, "ans_name = ?", ansName).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("ans_name %q not found", ansName))
		}

		return nil, apperr.Wrap(apperr.InternalError, "query agent by ans_name", err)
	}

	return rec.toAgent(), nil
}

func (g *GormStore) GetByCertificateSerial(ctx context.Context, serial string) (*Agent, error) {
	var rec agentRecord
	if err := g.db.WithContext(ctx).First(&rec, "certificate_serial = ?", serial).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("no agent holds certificate serial %q", serial))
		}

		return nil, apperr.Wrap(apperr.InternalError, "query agent by certificate serial", err)
	}

	return rec.toAgent(), nil
}

func (g *GormStore) Query(ctx context.Context, filter QueryFilter, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 10
	}

	if limit > 100 {
		limit = 100
	}

	q := g.db.WithContext(ctx).Model(&agentRecord{})

	if !filter.IncludeInactive {
		q = q.Where("is_active = ?", true)
	}

	if filter.AgentID != "" && filter.AgentID != "*" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}

	if filter.Protocol != "" && filter.Protocol != "*" {
		q = q.Where("protocol = ?", filter.Protocol)
	}

	if filter.Capability != "" && filter.Capability != "*" {
		q = q.Where("capability = ?", filter.Capability)
	}

	if filter.Provider != "" && filter.Provider != "*" {
		q = q.Where("provider = ?", filter.Provider)
	}

	var recs []agentRecord
	if err := q.Order("ans_name ASC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "query agents", err)
	}

	out := make([]*Agent, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toAgent())
	}

	return out, nil
}

// UpdateAgent requires a pre-existing row (same NotFound contract as
// MemoryStore) and then Saves every field, including zero values, so a
// caller that deactivates an agent by clearing IsActive actually
// persists the false value rather than being skipped by GORM's
// update-non-zero-fields default.
func (g *GormStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return apperr.New(apperr.InternalError, "nil agent")
	}

	tx := g.db.WithContext(ctx)

	var existing agentRecord
	if err := tx.First(&existing, "agent_id = ?", agent.AgentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(apperr.NotFound, fmt.Sprintf("agent %q not found", agent.AgentID))
		}

		return apperr.Wrap(apperr.InternalError, "query agent for update", err)
	}

	if err := tx.Save(toRecord(agent)).Error; err != nil {
		return apperr.Wrap(apperr.InternalError, "update agent", err)
	}

	return nil
}

func (g *GormStore) PutRevocation(ctx context.Context, entry *ca.RevocationEntry) error {
	if entry == nil {
		return apperr.New(apperr.InternalError, "nil revocation entry")
	}

	rec := &revocationRecord{Serial: entry.Serial, RevokedAt: entry.RevokedAt, Reason: int(entry.Reason)}

	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "serial"}},
		DoUpdates: clause.AssignmentColumns([]string{"revoked_at", "reason"}),
	}).Create(rec).Error
	if err != nil {
		return apperr.Wrap(apperr.InternalError, "upsert revocation", err)
	}

	return nil
}

func (g *GormStore) GetRevocation(ctx context.Context, serial string) (*ca.RevocationEntry, error) {
	var rec revocationRecord
	if err := g.db.WithContext(ctx).First(&rec, "serial = ?", serial).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("no revocation for serial %q", serial))
		}

		return nil, apperr.Wrap(apperr.InternalError, "query revocation", err)
	}

	return rec.toEntry(), nil
}

func (g *GormStore) ListRevocations(ctx context.Context) ([]*ca.RevocationEntry, error) {
	var recs []revocationRecord
	if err := g.db.WithContext(ctx).Order("serial ASC").Find(&recs).Error; err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "list revocations", err)
	}

	out := make([]*ca.RevocationEntry, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toEntry())
	}

	return out, nil
}

var _ Port = (*GormStore)(nil)
