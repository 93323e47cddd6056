package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"social-credit-ledger/api/internal/models"
)

type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS profiles (
	member_id         BIGINT PRIMARY KEY,
	display_name      TEXT NOT NULL DEFAULT '',
	handle            TEXT NOT NULL DEFAULT '',
	credit            BIGINT NOT NULL,
	currency          BIGINT NOT NULL,
	roles             TEXT[] NOT NULL DEFAULT '{}',
	proficiency_level INTEGER NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	last_position     TEXT NOT NULL DEFAULT '',
	updated_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS relay_cursors (
	name       TEXT PRIMARY KEY,
	position   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the projection tables when they are missing.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ProfilesRepo is the Postgres projection of member profiles.
type ProfilesRepo struct {
	db DBTX
}

func NewProfilesRepo(db DBTX) *ProfilesRepo {
	return &ProfilesRepo{db: db}
}

// member_id is BIGINT; ids above MaxInt64 round-trip through the sign bit.
func (r *ProfilesRepo) LoadProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error) {
	var (
		p        models.Profile
		id       int64
		level    *int32
		position string
	)
	err := r.db.QueryRow(ctx, `
		SELECT member_id, display_name, handle, credit, currency, roles, proficiency_level, created_at, last_seen_at, last_position
		FROM profiles
		WHERE member_id = $1
	`, int64(memberID)).
		Scan(&id, &p.DisplayName, &p.Handle, &p.Credit, &p.Currency, &p.Roles, &level, &p.CreatedAt, &p.LastSeenAt, &position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Profile{}, false, nil
		}
		return models.Profile{}, false, err
	}
	p.MemberID = uint64(id)
	p.Roles = models.SortRoles(p.Roles)
	if level != nil {
		v := int(*level)
		p.ProficiencyLevel = &v
	}
	if p.LastPosition, err = models.ParseLogPosition(position); err != nil {
		return models.Profile{}, false, err
	}
	return p, true, nil
}

// GetProfile is the read-side lookup; the repo has no cache of its own.
func (r *ProfilesRepo) GetProfile(ctx context.Context, memberID uint64) (models.Profile, bool, error) {
	return r.LoadProfile(ctx, memberID)
}

func (r *ProfilesRepo) SaveProfile(ctx context.Context, p models.Profile) error {
	var level *int32
	if p.ProficiencyLevel != nil {
		v := int32(*p.ProficiencyLevel)
		level = &v
	}
	roles := models.SortRoles(p.Roles)
	if roles == nil {
		roles = []string{}
	}
	position := ""
	if !p.LastPosition.IsZero() {
		position = p.LastPosition.String()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO profiles (member_id, display_name, handle, credit, currency, roles, proficiency_level, created_at, last_seen_at, last_position, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (member_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			handle = EXCLUDED.handle,
			credit = EXCLUDED.credit,
			currency = EXCLUDED.currency,
			roles = EXCLUDED.roles,
			proficiency_level = EXCLUDED.proficiency_level,
			last_seen_at = EXCLUDED.last_seen_at,
			last_position = EXCLUDED.last_position,
			updated_at = EXCLUDED.updated_at
	`, int64(p.MemberID), p.DisplayName, p.Handle, p.Credit, p.Currency, roles, level, p.CreatedAt, p.LastSeenAt, position, time.Now().UTC())
	return err
}

func (r *ProfilesRepo) CountProfiles(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&n)
	return n, err
}

// CursorsRepo stores the relay's last forwarded stream position per sink.
type CursorsRepo struct {
	db DBTX
}

func NewCursorsRepo(db DBTX) *CursorsRepo {
	return &CursorsRepo{db: db}
}

// LoadCursor returns the zero position for a relay that has never run.
func (r *CursorsRepo) LoadCursor(ctx context.Context, name string) (models.LogPosition, error) {
	var raw string
	err := r.db.QueryRow(ctx, `SELECT position FROM relay_cursors WHERE name = $1`, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.LogPosition{}, nil
		}
		return models.LogPosition{}, err
	}
	return models.ParseLogPosition(raw)
}

func (r *CursorsRepo) SaveCursor(ctx context.Context, name string, pos models.LogPosition) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO relay_cursors (name, position, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET
			position = EXCLUDED.position,
			updated_at = EXCLUDED.updated_at
	`, name, pos.String(), time.Now().UTC())
	return err
}
