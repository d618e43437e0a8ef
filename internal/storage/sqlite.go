package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "onairbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AddSubscription(ctx context.Context, chatID int64, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("empty channel id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, channel_id) VALUES(?,?)
		 ON CONFLICT(chat_id, channel_id) DO NOTHING`,
		chatID, channelID,
	)
	return err
}

func (s *sqliteStore) RemoveSubscription(ctx context.Context, chatID int64, channelID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = ? AND channel_id = ?`,
		chatID, channelID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM subscriptions WHERE chat_id = ? ORDER BY channel_id`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SubscribersOf(ctx context.Context, channelID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM subscriptions WHERE channel_id = ? ORDER BY chat_id`,
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TrackedChannels(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id FROM subscriptions
		 UNION
		 SELECT channel_id FROM destinations
		 ORDER BY channel_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddDestination(ctx context.Context, channelID string, chatID int64) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("empty channel id")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(channel_id, chat_id) VALUES(?,?)
		 ON CONFLICT(channel_id, chat_id) DO NOTHING`,
		channelID, chatID,
	)
	return err
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, channelID string, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM destinations WHERE channel_id = ? AND chat_id = ?`,
		channelID, chatID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) DestinationsOf(ctx context.Context, channelID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM destinations WHERE channel_id = ? ORDER BY chat_id`,
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearDestinations(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM destinations WHERE channel_id = ?`, channelID)
	return err
}

func (s *sqliteStore) NotifyState(ctx context.Context, channelID string) (State, error) {
	var lastVideo, notifiedAt, cooldown sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT last_video_id, last_notified_at, cooldown_until
		 FROM channel_state WHERE channel_id = ?`,
		channelID,
	).Scan(&lastVideo, &notifiedAt, &cooldown)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	return State{
		LastVideoID:    lastVideo.String,
		LastNotifiedAt: notifiedAt.String,
		CooldownUntil:  cooldown.String,
	}, nil
}

func (s *sqliteStore) SetLastBroadcast(ctx context.Context, channelID, videoID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_state(channel_id, last_video_id, last_notified_at) VALUES(?,?,?)
		 ON CONFLICT(channel_id) DO UPDATE
		 SET last_video_id = excluded.last_video_id,
		     last_notified_at = excluded.last_notified_at`,
		channelID, videoID, FormatStamp(at),
	)
	return err
}

func (s *sqliteStore) SetCooldownUntil(ctx context.Context, channelID string, until time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_state(channel_id, cooldown_until) VALUES(?,?)
		 ON CONFLICT(channel_id) DO UPDATE
		 SET cooldown_until = excluded.cooldown_until`,
		channelID, FormatStamp(until),
	)
	return err
}
