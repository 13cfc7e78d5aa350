package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psyclinic/clinic/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const (
	psychologistQuery = `SELECT id, first_name || ' ' || last_name FROM psychologist WHERE id = $1 AND active`
	patientQuery      = `SELECT id, first_name || ' ' || last_name FROM patient WHERE id = $1`
	modalityQuery     = `SELECT id, name FROM modality WHERE id = $1`
	stateQuery        = `SELECT id, name FROM session_state WHERE id = $1`
	stateByNameQuery  = `SELECT id, name FROM session_state WHERE name ILIKE '%' || $1 || '%' ORDER BY name LIMIT 1`
)

func (r *repoPG) scanSummary(kind Kind, row pgx.Row) (*Summary, error) {
	var s Summary
	if err := row.Scan(&s.ID, &s.Name); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup %s: %w", kind, err)
	}
	return &s, nil
}

func (r *repoPG) Psychologist(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return r.scanSummary(KindPsychologist, db.Conn(ctx, r.pool).QueryRow(ctx, psychologistQuery, id))
}

func (r *repoPG) Modality(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return r.scanSummary(KindModality, db.Conn(ctx, r.pool).QueryRow(ctx, modalityQuery, id))
}

func (r *repoPG) State(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return r.scanSummary(KindState, db.Conn(ctx, r.pool).QueryRow(ctx, stateQuery, id))
}

func (r *repoPG) Patient(ctx context.Context, id uuid.UUID) (*Summary, error) {
	return r.scanSummary(KindPatient, db.Conn(ctx, r.pool).QueryRow(ctx, patientQuery, id))
}

func (r *repoPG) FindStateByName(ctx context.Context, fragment string) (*Summary, error) {
	return r.scanSummary(KindState, db.Conn(ctx, r.pool).QueryRow(ctx, stateByNameQuery, fragment))
}
