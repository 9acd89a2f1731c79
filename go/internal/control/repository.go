package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/sidelinehq/sideline/go/internal/models"
	"github.com/sidelinehq/sideline/go/internal/sqlutil"
)

const sessionColumns = `game_id, controlling_device_id, controlling_user_identity, control_requested_by, started_at, revision, metadata, updated_at`

// Repository persists game session documents and their outbox events in
// Postgres. Every mutation bumps the revision and inserts the post-write
// snapshot into the outbox within the same transaction, so the document
// channel never observes a write that did not commit.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateGameSession(ctx context.Context, req CreateGameSessionRequest) (*models.GameSession, error) {
	if req.GameID == "" {
		return nil, ErrMissingGameID
	}
	metadata := pqtype.NullRawMessage{RawMessage: req.Metadata, Valid: len(req.Metadata) > 0}

	row := r.db.QueryRowContext(ctx,
		`INSERT INTO game_sessions (game_id, metadata) VALUES ($1, $2) RETURNING `+sessionColumns,
		req.GameID, metadata,
	)
	session, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create game session: %w", err)
	}
	return session, nil
}

func (r *Repository) GetGameSession(ctx context.Context, gameID string) (*models.GameSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE game_id = $1`,
		gameID,
	)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get game session: %w", err)
	}
	return session, nil
}

// SetControlRequested records intent to take control. It does not grant
// anything; approval happens elsewhere.
func (r *Repository) SetControlRequested(ctx context.Context, gameID, identity string) (*models.GameSession, error) {
	return r.mutate(ctx, gameID, EventControlRequested,
		`UPDATE game_sessions
		SET control_requested_by = $2, revision = revision + 1, updated_at = now()
		WHERE game_id = $1
		RETURNING `+sessionColumns,
		gameID, identity,
	)
}

// SetControl assigns control to (deviceID, userIdentity) and clears any
// pending request, all in one write. Last write wins across devices.
func (r *Repository) SetControl(ctx context.Context, gameID, deviceID, userIdentity string) (*models.GameSession, error) {
	return r.mutate(ctx, gameID, EventControlGranted,
		`UPDATE game_sessions
		SET controlling_device_id = $2, controlling_user_identity = $3, control_requested_by = NULL,
			revision = revision + 1, updated_at = now()
		WHERE game_id = $1
		RETURNING `+sessionColumns,
		gameID, deviceID, userIdentity,
	)
}

// ClearControl releases control: all three arbitration fields go null in one
// write.
func (r *Repository) ClearControl(ctx context.Context, gameID string) (*models.GameSession, error) {
	return r.mutate(ctx, gameID, EventControlReleased,
		`UPDATE game_sessions
		SET controlling_device_id = NULL, controlling_user_identity = NULL, control_requested_by = NULL,
			revision = revision + 1, updated_at = now()
		WHERE game_id = $1
		RETURNING `+sessionColumns,
		gameID,
	)
}

// MarkGameStarted stamps the game as started. Idempotent: a second start
// keeps the original start time.
func (r *Repository) MarkGameStarted(ctx context.Context, gameID string) (*models.GameSession, error) {
	return r.mutate(ctx, gameID, EventGameStarted,
		`UPDATE game_sessions
		SET started_at = COALESCE(started_at, now()), revision = revision + 1, updated_at = now()
		WHERE game_id = $1
		RETURNING `+sessionColumns,
		gameID,
	)
}

// FetchPendingOutboxEvents returns unsent outbox rows, oldest first.
func (r *Repository) FetchPendingOutboxEvents(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, game_id, event_type, payload, created_at, sent_at
		FROM game_session_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var (
			event  OutboxEvent
			id     uuid.UUID
			sentAt sql.NullTime
		)
		if err := rows.Scan(&id, &event.GameID, &event.EventType, &event.Payload, &event.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		event.ID = id.String()
		if sentAt.Valid {
			event.SentAt = &sentAt.Time
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox events: %w", err)
	}
	return events, nil
}

// MarkOutboxEventSent stamps an outbox row as published.
func (r *Repository) MarkOutboxEventSent(ctx context.Context, eventID string) error {
	id, err := uuid.Parse(eventID)
	if err != nil {
		return fmt.Errorf("invalid outbox event ID: %w", err)
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE game_session_outbox SET sent_at = now() WHERE id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("failed to mark outbox event sent: %w", err)
	}
	return nil
}

// mutate runs a single RETURNING update and inserts the resulting snapshot
// into the outbox inside one transaction.
func (r *Repository) mutate(ctx context.Context, gameID, eventType, query string, args ...any) (*models.GameSession, error) {
	var session *models.GameSession
	err := sqlutil.Run(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, query, args...)
		s, err := scanSession(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to update game session: %w", err)
		}

		payload, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal session snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO game_session_outbox (id, game_id, event_type, payload) VALUES ($1, $2, $3, $4)`,
			uuid.New(), gameID, eventType, payload,
		); err != nil {
			return fmt.Errorf("failed to insert %s outbox event: %w", eventType, err)
		}

		session = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.GameSession, error) {
	var (
		session     models.GameSession
		controlling sql.NullString
		identity    sql.NullString
		requestedBy sql.NullString
		startedAt   sql.NullTime
		metadata    pqtype.NullRawMessage
		updatedAt   time.Time
	)
	if err := row.Scan(
		&session.GameID,
		&controlling,
		&identity,
		&requestedBy,
		&startedAt,
		&session.Revision,
		&metadata,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	session.ControllingDeviceID = sqlutil.FromSqlString(controlling)
	session.ControllingUserIdentity = sqlutil.FromSqlString(identity)
	session.ControlRequestedBy = sqlutil.FromSqlString(requestedBy)
	session.StartedAt = sqlutil.FromSqlTime(startedAt)
	if metadata.Valid {
		session.Metadata = metadata.RawMessage
	}
	session.UpdatedAt = updatedAt
	return &session, nil
}
