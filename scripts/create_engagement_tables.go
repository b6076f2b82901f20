package main

import (
	"fmt"
	"os"

	"classpulse-engagement/internal/config"
	"classpulse-engagement/internal/database"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS classes (
    class_id         VARCHAR(64) PRIMARY KEY,
    title            VARCHAR(255) NOT NULL,
    teacher_id       VARCHAR(64) NOT NULL,
    teacher_name     VARCHAR(255) NOT NULL DEFAULT '',
    duration_minutes INTEGER NOT NULL,
    is_active        BOOLEAN NOT NULL DEFAULT FALSE,
    org_unit         VARCHAR(128) NOT NULL DEFAULT '',
    department       VARCHAR(128) NOT NULL DEFAULT '',
    enrolled_ids     TEXT[] NOT NULL DEFAULT '{}',
    schedule_time    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS engagement_sessions (
    id                     UUID PRIMARY KEY,
    session_id             VARCHAR(64) NOT NULL,
    participant_id         VARCHAR(64) NOT NULL,
    participant_name       VARCHAR(255) NOT NULL DEFAULT '',
    class_id               VARCHAR(64) NOT NULL,
    started_at             TIMESTAMPTZ NOT NULL,
    ended_at               TIMESTAMPTZ,
    total_duration_seconds INTEGER NOT NULL,
    engaged_seconds        DOUBLE PRECISION NOT NULL DEFAULT 0,
    engagement_percentage  DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_signal_at         TIMESTAMPTZ,
    face_detected          BOOLEAN NOT NULL DEFAULT FALSE,
    looking_at_screen      BOOLEAN NOT NULL DEFAULT FALSE,
    attention_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
    multiple_faces         BOOLEAN NOT NULL DEFAULT FALSE,
    status                 VARCHAR(16) NOT NULL DEFAULT 'in_progress',
    consent_given          BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (session_id, participant_id)
);

CREATE INDEX IF NOT EXISTS idx_engagement_sessions_class_session
    ON engagement_sessions (class_id, session_id);
CREATE INDEX IF NOT EXISTS idx_engagement_sessions_participant
    ON engagement_sessions (participant_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_engagement_sessions_class_status
    ON engagement_sessions (class_id, status);
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute SQL: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("engagement tables created successfully")
}
