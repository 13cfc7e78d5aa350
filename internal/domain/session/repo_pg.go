package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psyclinic/clinic/internal/domain/catalog"
	"github.com/psyclinic/clinic/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const sessionCols = `s.id, s.start_time, s.end_time,
	s.psychologist_id, p.first_name || ' ' || p.last_name,
	s.modality_id, m.name, s.state_id, st.name,
	s.notes, s.cancellation_reason, s.cancelled, s.idempotency_key,
	s.deleted_at, s.created_at, s.updated_at`

const sessionFrom = ` FROM therapy_session s
	JOIN psychologist p ON p.id = s.psychologist_id
	JOIN modality m ON m.id = s.modality_id
	JOIN session_state st ON st.id = s.state_id`

// foreignKeyFields maps FK constraint names to the input field they guard.
var foreignKeyFields = map[string]string{
	"therapy_session_psychologist_id_fkey": "psychologist_id",
	"therapy_session_modality_id_fkey":     "modality_id",
	"therapy_session_state_id_fkey":        "state_id",
	"session_patient_patient_id_fkey":      "patient_ids",
	"session_patient_session_id_fkey":      "session_id",
}

// translate maps constraint violations to domain errors.
func translate(err error, psychologistID uuid.UUID) error {
	if err == nil {
		return nil
	}
	switch {
	case db.HasCode(err, db.CodeExclusionViolation):
		return &ConflictError{PsychologistID: psychologistID}
	case db.HasCode(err, db.CodeForeignKeyViolation):
		field, ok := foreignKeyFields[db.ConstraintName(err)]
		if !ok {
			field = "reference"
		}
		return &ReferenceNotFoundError{Field: field}
	case db.HasCode(err, db.CodeUniqueViolation) && db.ConstraintName(err) == "therapy_session_idempotency_key":
		return ErrDuplicateIdempotencyKey
	case db.HasCode(err, db.CodeCheckViolation):
		return invalid("end_time", "must be after start_time")
	}
	return err
}

func (r *storePG) scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.StartTime, &s.EndTime,
		&s.Psychologist.ID, &s.Psychologist.Name,
		&s.Modality.ID, &s.Modality.Name, &s.State.ID, &s.State.Name,
		&s.Notes, &s.CancellationReason, &s.Cancelled, &s.IdempotencyKey,
		&s.DeletedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Patients = []catalog.Summary{}
	return &s, nil
}

func (r *storePG) getOne(ctx context.Context, where string, arg interface{}) (*Session, error) {
	s, err := r.scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+sessionFrom+` WHERE `+where, arg))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := r.loadPatients(ctx, []*Session{s}); err != nil {
		return nil, err
	}
	return s, nil
}

// loadPatients fills Patients for every session with a single query.
func (r *storePG) loadPatients(ctx context.Context, sessions []*Session) error {
	if len(sessions) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*Session, len(sessions))
	ids := make([]uuid.UUID, 0, len(sessions))
	for _, s := range sessions {
		byID[s.ID] = s
		ids = append(ids, s.ID)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT sp.session_id, pt.id, pt.first_name || ' ' || pt.last_name
		FROM session_patient sp
		JOIN patient pt ON pt.id = sp.patient_id
		WHERE sp.session_id = ANY($1::uuid[])
		ORDER BY pt.last_name, pt.first_name`, ids)
	if err != nil {
		return fmt.Errorf("load session patients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID uuid.UUID
		var p catalog.Summary
		if err := rows.Scan(&sessionID, &p.ID, &p.Name); err != nil {
			return fmt.Errorf("scan session patient: %w", err)
		}
		if s, ok := byID[sessionID]; ok {
			s.Patients = append(s.Patients, p)
		}
	}
	return rows.Err()
}

func (r *storePG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return r.WithinTx(ctx, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO therapy_session (id, start_time, end_time, psychologist_id, modality_id,
				state_id, notes, cancellation_reason, cancelled, idempotency_key)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			RETURNING created_at, updated_at`,
			s.ID, s.StartTime, s.EndTime, s.Psychologist.ID, s.Modality.ID,
			s.State.ID, s.Notes, s.CancellationReason, s.Cancelled, s.IdempotencyKey,
		).Scan(&s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return translate(err, s.Psychologist.ID)
		}
		if len(s.Patients) == 0 {
			return nil
		}
		_, err = r.conn(ctx).Exec(ctx, `
			INSERT INTO session_patient (session_id, patient_id)
			SELECT $1, unnest($2::uuid[])
			ON CONFLICT DO NOTHING`, s.ID, s.PatientIDs())
		return translate(err, s.Psychologist.ID)
	})
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.getOne(ctx, `s.id = $1 AND s.deleted_at IS NULL`, id)
}

func (r *storePG) GetIncludingDeleted(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.getOne(ctx, `s.id = $1`, id)
}

func (r *storePG) GetByIdempotencyKey(ctx context.Context, key string) (*Session, error) {
	return r.getOne(ctx, `s.idempotency_key = $1`, key)
}

// buildSearch renders the WHERE clause shared by the page and count queries.
func buildSearch(f Filter) (string, []interface{}) {
	where := ` WHERE s.deleted_at IS NULL`
	var args []interface{}
	idx := 1

	if f.PsychologistID != nil {
		where += fmt.Sprintf(` AND s.psychologist_id = $%d`, idx)
		args = append(args, *f.PsychologistID)
		idx++
	}
	if f.ModalityID != nil {
		where += fmt.Sprintf(` AND s.modality_id = $%d`, idx)
		args = append(args, *f.ModalityID)
		idx++
	}
	if f.StateID != nil {
		where += fmt.Sprintf(` AND s.state_id = $%d`, idx)
		args = append(args, *f.StateID)
		idx++
	}
	if f.From != nil {
		where += fmt.Sprintf(` AND s.start_time >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		where += fmt.Sprintf(` AND s.start_time < $%d`, idx)
		args = append(args, *f.To)
		idx++
	}
	if f.ExcludeCancelled {
		where += ` AND NOT s.cancelled`
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		where += fmt.Sprintf(` AND (p.first_name || ' ' || p.last_name ILIKE $%d OR m.name ILIKE $%d OR st.name ILIKE $%d)`, idx, idx, idx)
		args = append(args, "%"+escapeLike(q)+"%")
	}
	return where, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func (r *storePG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Session, int, error) {
	where, args := buildSearch(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*)`+sessionFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	order := `DESC`
	if f.Ascending {
		order = `ASC`
	}
	idx := len(args) + 1
	query := `SELECT ` + sessionCols + sessionFrom + where +
		fmt.Sprintf(` ORDER BY s.start_time %s, s.id LIMIT $%d OFFSET $%d`, order, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := r.scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("search sessions: %w", err)
	}
	if err := r.loadPatients(ctx, items); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// buildUpdate renders the SET list for p. $1 is reserved for the id.
func buildUpdate(p Patch) (string, []interface{}) {
	var sets []string
	var args []interface{}
	idx := 2
	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf(`%s = $%d`, col, idx))
		args = append(args, v)
		idx++
	}
	if p.StartTime != nil {
		add("start_time", *p.StartTime)
	}
	if p.EndTime != nil {
		add("end_time", *p.EndTime)
	}
	if p.PsychologistID != nil {
		add("psychologist_id", *p.PsychologistID)
	}
	if p.ModalityID != nil {
		add("modality_id", *p.ModalityID)
	}
	if p.StateID != nil {
		add("state_id", *p.StateID)
	}
	if p.Notes != nil {
		add("notes", *p.Notes)
	}
	if p.CancellationReason != nil {
		add("cancellation_reason", *p.CancellationReason)
	}
	if p.Cancelled != nil {
		add("cancelled", *p.Cancelled)
	}
	sets = append(sets, "updated_at = NOW()")
	return strings.Join(sets, ", "), args
}

func (r *storePG) Update(ctx context.Context, id uuid.UUID, p Patch) (*Session, error) {
	var psychologistID uuid.UUID
	if p.PsychologistID != nil {
		psychologistID = *p.PsychologistID
	}
	set, args := buildUpdate(p)
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE therapy_session SET `+set+` WHERE id = $1 AND deleted_at IS NULL`,
		append([]interface{}{id}, args...)...)
	if err != nil {
		return nil, translate(err, psychologistID)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *storePG) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE therapy_session SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *storePG) Restore(ctx context.Context, id uuid.UUID) (bool, error) {
	var psychologistID uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE therapy_session SET deleted_at = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NOT NULL
		RETURNING psychologist_id`, id).Scan(&psychologistID)
	if err != nil {
		if db.IsNoRows(err) {
			return false, nil
		}
		return false, translate(err, psychologistID)
	}
	return true, nil
}

func (r *storePG) AddPatient(ctx context.Context, sessionID, patientID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO session_patient (session_id, patient_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, sessionID, patientID)
	if err != nil {
		if db.HasCode(err, db.CodeForeignKeyViolation) {
			return translate(err, uuid.Nil)
		}
		return fmt.Errorf("add session patient: %w", err)
	}
	return nil
}

func (r *storePG) RemovePatient(ctx context.Context, sessionID, patientID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM session_patient WHERE session_id = $1 AND patient_id = $2`, sessionID, patientID)
	if err != nil {
		return false, fmt.Errorf("remove session patient: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// overlapQuery uses the half-open test start < $3 AND end > $2, so sessions
// that only touch at a boundary do not overlap.
const overlapQuery = `SELECT id FROM therapy_session
	WHERE psychologist_id = $1 AND deleted_at IS NULL AND NOT cancelled
		AND start_time < $3 AND end_time > $2`

func (r *storePG) FindOverlapping(ctx context.Context, psychologistID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]uuid.UUID, error) {
	query := overlapQuery
	args := []interface{}{psychologistID, start, end}
	if excludeID != nil {
		query += ` AND id <> $4`
		args = append(args, *excludeID)
	}
	query += ` ORDER BY start_time LIMIT 10`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find overlapping sessions: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan overlapping session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *storePG) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

func (r *storePG) LockPsychologist(ctx context.Context, psychologistID uuid.UUID) error {
	return db.AdvisoryXactLock(ctx, "therapy_session:psychologist:"+psychologistID.String())
}
