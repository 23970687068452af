// internal/database/game.go
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/sirupsen/logrus"
)

// ResultRecorder persists finished games. Every session of a room reports the
// same game; the first report wins and later ones are ignored.
type ResultRecorder struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewResultRecorder returns a recorder writing through pool.
func NewResultRecorder(pool *pgxpool.Pool, logger *logrus.Entry) *ResultRecorder {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ResultRecorder{pool: pool, log: logger}
}

// RecordGame upserts the game row as completed and inserts one result row per standing.
func (r *ResultRecorder) RecordGame(ctx context.Context, res models.GameResult) error {
	if res.GameID == "" {
		return fmt.Errorf("record game: missing game id")
	}
	ended := time.UnixMilli(res.EndedAt)
	if res.EndedAt == 0 {
		ended = time.Now()
	}
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		upsertGame := `
			INSERT INTO games (id, room_key, display_name, status, winner, win_trigger_player, end_time)
			VALUES ($1, $2, $3, 'completed', $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				room_key = EXCLUDED.room_key,
				display_name = EXCLUDED.display_name,
				status = 'completed',
				winner = EXCLUDED.winner,
				win_trigger_player = EXCLUDED.win_trigger_player,
				end_time = EXCLUDED.end_time
			WHERE games.status <> 'completed'
		`
		if _, e := tx.Exec(ctx, upsertGame, res.GameID, res.RoomKey, res.DisplayName, res.Winner, res.WinTriggerPlayer, ended); e != nil {
			return e
		}

		for _, st := range res.Standings {
			q := `
				INSERT INTO game_results (game_id, player_name, rank, score, did_win)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (game_id, player_name) DO NOTHING
			`
			if _, e := tx.Exec(ctx, q, res.GameID, st.Name, st.Rank, st.Score, st.Rank == 1); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx upsert game or results: %w", err)
	}
	r.log.WithFields(logrus.Fields{"game": res.GameID, "winner": res.Winner}).Info("recorded game result")
	return nil
}

// Standings returns the persisted leaderboard of a game ordered by rank.
func (r *ResultRecorder) Standings(ctx context.Context, gameID string) ([]models.Standing, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT rank, player_name, score FROM game_results
		WHERE game_id = $1
		ORDER BY rank, player_name
	`, gameID)
	if err != nil {
		return nil, fmt.Errorf("query standings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Standing, error) {
		var s models.Standing
		err := row.Scan(&s.Rank, &s.Name, &s.Score)
		return s, err
	})
}

// ActionStore is the historian's view of the database.
type ActionStore struct {
	pool *pgxpool.Pool
}

// NewActionStore returns an ActionStore writing through pool.
func NewActionStore(pool *pgxpool.Pool) *ActionStore {
	return &ActionStore{pool: pool}
}

// InsertActions writes a batch of historian records in one transaction. Games
// seen for the first time are created as in progress. Duplicate records are ignored.
func (a *ActionStore) InsertActions(ctx context.Context, recs []models.ActionRecord) error {
	return inTx(ctx, a.pool, func(tx pgx.Tx) error {
		for _, rec := range recs {
			if err := insertActionTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("insert action %s/%d: %w", rec.Actor, rec.ActionIndex, err)
			}
		}
		return nil
	})
}

func insertActionTx(ctx context.Context, tx pgx.Tx, rec models.ActionRecord) error {
	upsertGameQ := `
		INSERT INTO games (id, room_key, status)
		VALUES ($1, $2, 'in_progress')
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.Exec(ctx, upsertGameQ, rec.GameID, rec.RoomKey); err != nil {
		return err
	}

	payload, err := json.Marshal(rec.ActionPayload)
	if err != nil {
		return err
	}
	actionInsertQ := `
		INSERT INTO game_actions (game_id, actor, action_index, action_type, action_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (game_id, actor, action_index) DO NOTHING
	`
	_, err = tx.Exec(ctx, actionInsertQ,
		rec.GameID, rec.Actor, rec.ActionIndex, rec.ActionType, payload, time.UnixMilli(rec.Timestamp),
	)
	return err
}

// MarkAbandoned flags a game that is still in progress as abandoned.
// It reports whether a row changed.
func (a *ActionStore) MarkAbandoned(ctx context.Context, gameID string) (bool, error) {
	tag, err := a.pool.Exec(ctx, `
		UPDATE games
		SET status = 'abandoned', end_time = NOW()
		WHERE id = $1 AND status = 'in_progress'
	`, gameID)
	if err != nil {
		return false, fmt.Errorf("mark game %s abandoned: %w", gameID, err)
	}
	return tag.RowsAffected() > 0, nil
}
