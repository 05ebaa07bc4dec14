package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type persistence struct {
	db *gorm.DB
}

type txKey struct{}

func newPersistence(dbPath string) (*persistence, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(dbPath)), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sql db: %w", err)
	}
	// sqlite allows one writer; a single connection serializes transactions
	// instead of failing them with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(sqlDB); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &persistence{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return err
	}
	return nil
}

func (p *persistence) close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// conn returns the transaction bound to ctx, or the pool.
func (p *persistence) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return p.db.WithContext(ctx)
}

// transaction runs fn in a database transaction. Nested calls join the
// transaction already bound to ctx.
func (p *persistence) transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, errNotFound)
	}
	return fmt.Errorf("lookup %s: %w", what, err)
}

func (p *persistence) createUser(ctx context.Context, u *userModel) error {
	if err := p.conn(ctx).Create(u).Error; err != nil {
		if isUniqueViolation(err) {
			return invalidf("email", "user %s already exists", u.Email)
		}
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (p *persistence) createToken(ctx context.Context, t *tokenModel) error {
	if err := p.conn(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (p *persistence) userByID(ctx context.Context, id string) (userModel, error) {
	var u userModel
	if err := p.conn(ctx).First(&u, "id = ?", id).Error; err != nil {
		return userModel{}, notFound(err, "user")
	}
	return u, nil
}

// userByTokenHash returns the owner of a token and stamps its last use.
func (p *persistence) userByTokenHash(ctx context.Context, hash string) (userModel, error) {
	var tok tokenModel
	if err := p.conn(ctx).First(&tok, "key_hash = ?", hash).Error; err != nil {
		return userModel{}, notFound(err, "token")
	}

	var u userModel
	if err := p.conn(ctx).First(&u, "id = ?", tok.UserID).Error; err != nil {
		return userModel{}, notFound(err, "user")
	}

	now := time.Now().UTC()
	if err := p.conn(ctx).Model(&tokenModel{}).Where("id = ?", tok.ID).Update("last_used_at", now).Error; err != nil {
		return userModel{}, fmt.Errorf("touch token: %w", err)
	}
	return u, nil
}

func (p *persistence) createDomain(ctx context.Context, d *domainModel) error {
	if err := p.conn(ctx).Create(d).Error; err != nil {
		if isUniqueViolation(err) {
			concurrencyConflictTotal.Inc()
			return fmt.Errorf("create domain %s: %w", d.Name, errConcurrencyConflict)
		}
		return fmt.Errorf("save domain: %w", err)
	}
	return nil
}

func (p *persistence) domainByName(ctx context.Context, name string) (domainModel, error) {
	var d domainModel
	if err := p.conn(ctx).First(&d, "name = ?", normalizeHostname(name)).Error; err != nil {
		return domainModel{}, notFound(err, "domain "+name)
	}
	return d, nil
}

func (p *persistence) domainsByOwner(ctx context.Context, ownerID string) ([]domainModel, error) {
	var out []domainModel
	if err := p.conn(ctx).Where("owner_id = ?", ownerID).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return out, nil
}

// overlappingDomains returns stored domains equal to, above or below name.
func (p *persistence) overlappingDomains(ctx context.Context, name string) ([]domainModel, error) {
	name = normalizeHostname(name)
	ancestors := []string{name}
	for rest := name; ; {
		_, parent, ok := strings.Cut(rest, ".")
		if !ok {
			break
		}
		ancestors = append(ancestors, parent)
		rest = parent
	}

	var out []domainModel
	err := p.conn(ctx).
		Where("name IN ?", ancestors).
		Or("name LIKE ?", "%."+name).
		Order("name").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list overlapping domains: %w", err)
	}
	return out, nil
}

// pendingDomains lists domains whose local state may be ahead of the nameserver.
func (p *persistence) pendingDomains(ctx context.Context) ([]domainModel, error) {
	var out []domainModel
	err := p.conn(ctx).
		Where("published_at IS NULL OR touched_at > published_at").
		Order("name").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list pending domains: %w", err)
	}
	return out, nil
}

func (p *persistence) deleteDomain(ctx context.Context, id uint64) error {
	return p.transaction(ctx, func(ctx context.Context) error {
		db := p.conn(ctx)
		sub := db.Model(&rrsetModel{}).Select("id").Where("domain_id = ?", id)
		if err := db.Where("rrset_id IN (?)", sub).Delete(&recordModel{}).Error; err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		if err := db.Where("domain_id = ?", id).Delete(&rrsetModel{}).Error; err != nil {
			return fmt.Errorf("delete rrsets: %w", err)
		}
		if err := db.Delete(&domainModel{}, id).Error; err != nil {
			return fmt.Errorf("delete domain: %w", err)
		}
		return nil
	})
}

func (p *persistence) touchDomain(ctx context.Context, id uint64, at time.Time) error {
	if err := p.conn(ctx).Model(&domainModel{}).Where("id = ?", id).Update("touched_at", at).Error; err != nil {
		return fmt.Errorf("touch domain: %w", err)
	}
	return nil
}

func (p *persistence) markPublished(ctx context.Context, id uint64, serial uint32, at time.Time) error {
	err := p.conn(ctx).Model(&domainModel{}).Where("id = ?", id).Updates(map[string]any{
		"serial":       serial,
		"published_at": at,
	}).Error
	if err != nil {
		return fmt.Errorf("mark domain published: %w", err)
	}
	return nil
}

func (p *persistence) listRRsets(ctx context.Context, domainID uint64) ([]rrsetModel, error) {
	var out []rrsetModel
	err := p.conn(ctx).
		Preload("Records", func(db *gorm.DB) *gorm.DB { return db.Order("content") }).
		Where("domain_id = ?", domainID).
		Order("subname, type").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list rrsets: %w", err)
	}
	return out, nil
}

func (p *persistence) getRRset(ctx context.Context, domainID uint64, subname, rtype string) (rrsetModel, error) {
	var out rrsetModel
	err := p.conn(ctx).
		Preload("Records", func(db *gorm.DB) *gorm.DB { return db.Order("content") }).
		First(&out, "domain_id = ? AND subname = ? AND type = ?", domainID, subname, rtype).Error
	if err != nil {
		return rrsetModel{}, notFound(err, "rrset")
	}
	return out, nil
}

// createRRset inserts a new RRset. A uniqueness violation on
// (domain, subname, type) is reported as errConcurrencyConflict and leaves
// no rows behind.
func (p *persistence) createRRset(ctx context.Context, domainID uint64, set rrset, at time.Time) (rrsetModel, error) {
	m := rrsetModel{
		DomainID:  domainID,
		Subname:   set.Subname,
		Type:      set.Type,
		TTL:       set.TTL,
		CreatedAt: at,
		TouchedAt: at,
	}
	err := p.transaction(ctx, func(ctx context.Context) error {
		if err := p.conn(ctx).Omit("Records").Create(&m).Error; err != nil {
			if isUniqueViolation(err) {
				concurrencyConflictTotal.Inc()
				return fmt.Errorf("create rrset %s/%s: %w", set.Subname, set.Type, errConcurrencyConflict)
			}
			return fmt.Errorf("save rrset: %w", err)
		}
		return p.insertRecords(ctx, &m, set.Records)
	})
	if err != nil {
		return rrsetModel{}, err
	}
	return m, nil
}

func (p *persistence) replaceRRset(ctx context.Context, m rrsetModel, ttl uint32, records []string, at time.Time) (rrsetModel, error) {
	err := p.transaction(ctx, func(ctx context.Context) error {
		db := p.conn(ctx)
		if err := db.Model(&rrsetModel{}).Where("id = ?", m.ID).Updates(map[string]any{
			"ttl":        ttl,
			"touched_at": at,
		}).Error; err != nil {
			return fmt.Errorf("update rrset: %w", err)
		}
		if err := db.Where("rrset_id = ?", m.ID).Delete(&recordModel{}).Error; err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
		return p.insertRecords(ctx, &m, records)
	})
	if err != nil {
		return rrsetModel{}, err
	}
	m.TTL = ttl
	m.TouchedAt = at
	return m, nil
}

func (p *persistence) insertRecords(ctx context.Context, m *rrsetModel, contents []string) error {
	m.Records = make([]recordModel, 0, len(contents))
	for _, c := range contents {
		m.Records = append(m.Records, recordModel{RRsetID: m.ID, Content: c})
	}
	if len(m.Records) == 0 {
		return nil
	}
	if err := p.conn(ctx).Create(&m.Records).Error; err != nil {
		return fmt.Errorf("save records: %w", err)
	}
	return nil
}

func (p *persistence) deleteRRset(ctx context.Context, id uint64) error {
	return p.transaction(ctx, func(ctx context.Context) error {
		db := p.conn(ctx)
		if err := db.Where("rrset_id = ?", id).Delete(&recordModel{}).Error; err != nil {
			return fmt.Errorf("delete records: %w", err)
		}
		if err := db.Delete(&rrsetModel{}, id).Error; err != nil {
			return fmt.Errorf("delete rrset: %w", err)
		}
		return nil
	})
}

func (p *persistence) saveBlockedSubnet(ctx context.Context, b *blockedSubnetModel) error {
	var existing blockedSubnetModel
	err := p.conn(ctx).First(&existing, "subnet = ?", b.Subnet).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup blocked subnet: %w", err)
	}
	if err == nil {
		b.ID = existing.ID
		b.CreatedAt = existing.CreatedAt
	}
	if err := p.conn(ctx).Save(b).Error; err != nil {
		return fmt.Errorf("save blocked subnet: %w", err)
	}
	return nil
}

func (p *persistence) listBlockedSubnets(ctx context.Context) ([]blockedSubnetModel, error) {
	var out []blockedSubnetModel
	if err := p.conn(ctx).Order("subnet").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list blocked subnets: %w", err)
	}
	return out, nil
}

// blockedSubnetFor returns the blocked subnet containing ip, if any.
func (p *persistence) blockedSubnetFor(ctx context.Context, ip net.IP) (blockedSubnetModel, bool, error) {
	subnets, err := p.listBlockedSubnets(ctx)
	if err != nil {
		return blockedSubnetModel{}, false, err
	}
	for _, b := range subnets {
		_, n, err := net.ParseCIDR(b.Subnet)
		if err != nil {
			continue
		}
		if n.Contains(ip) {
			return b, true, nil
		}
	}
	return blockedSubnetModel{}, false, nil
}
