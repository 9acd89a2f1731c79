package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sidelinehq/sideline/go/internal/dbconfig"
)

// Schema for the shared game session documents and their outbox.
var schema = []string{
	`
CREATE TABLE IF NOT EXISTS game_sessions (
  game_id                   TEXT PRIMARY KEY,
  controlling_device_id     TEXT,
  controlling_user_identity TEXT,
  control_requested_by      TEXT,
  started_at                TIMESTAMPTZ,
  revision                  BIGINT NOT NULL DEFAULT 0,
  metadata                  JSONB,
  updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
);
`,
	`
CREATE TABLE IF NOT EXISTS game_session_outbox (
  id         UUID PRIMARY KEY,
  game_id    TEXT NOT NULL REFERENCES game_sessions(game_id),
  event_type TEXT NOT NULL,
  payload    JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  sent_at    TIMESTAMPTZ
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_game_session_outbox_pending
ON game_session_outbox (created_at)
WHERE sent_at IS NULL;
`,
}

// Game mirrors the JSON seed file structure
type Game struct {
	GameID   string          `json:"game_id"`
	Metadata json.RawMessage `json:"metadata"`
}

func main() {
	// 1) Load the JSON snapshot
	seedPath := "go/internal/assets/games.json"
	if len(os.Args) > 1 {
		seedPath = os.Args[1]
	}
	data, err := os.ReadFile(seedPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var games []Game
	if err := json.Unmarshal(data, &games); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(context.Background(), cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 3) Ensure schema
	for i, stmt := range schema {
		if _, err := pool.Exec(context.Background(), stmt); err != nil {
			fmt.Fprintf(os.Stderr, "apply schema statement %d: %v\n", i, err)
			os.Exit(1)
		}
	}

	// 4) Insert and count
	var (
		total    = len(games)
		inserted int
		skipped  int
		errs     int
	)

	for _, g := range games {
		cmdTag, err := pool.Exec(context.Background(), `
            INSERT INTO game_sessions (game_id, metadata)
            VALUES ($1, $2)
            ON CONFLICT (game_id) DO NOTHING
        `,
			g.GameID, g.Metadata,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting game %s: %v\n", g.GameID, err)
			errs++
			continue
		}
		if cmdTag.RowsAffected() == 1 {
			inserted++
		} else {
			skipped++
		}
	}

	// 5) Print summary
	fmt.Printf(
		"Games seed complete: %d total, %d inserted, %d skipped, %d errors\n",
		total, inserted, skipped, errs,
	)
}
