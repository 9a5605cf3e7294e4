package voice

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/voxlabs/voxd/internal/config"
	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed voice catalog. The database holds one snapshot of
// the platform's voice inventory; queries are read-only apart from the
// initial seeding pass.
type Store struct {
	db       *sql.DB
	language string
	log      *slog.Logger
}

// OpenStore opens (and if needed creates) the catalog database and seeds it
// with the voices listed in configuration.
func OpenStore(ctx context.Context, cfg config.CatalogConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create catalog dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, language: cfg.DefaultLanguage, log: log}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seed(ctx, cfg.Voices); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS voices (
    voice_id TEXT PRIMARY KEY,
    language TEXT NOT NULL,
    display_name TEXT,
    description TEXT,
    category TEXT,
    capabilities TEXT
);
CREATE INDEX IF NOT EXISTS idx_voices_language ON voices(language);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) seed(ctx context.Context, entries []config.VoiceEntry) error {
	for _, entry := range entries {
		v := Voice{
			ID:           entry.ID,
			Language:     entry.Language,
			Name:         entry.Name,
			Description:  entry.Description,
			Category:     entry.Category,
			Capabilities: entry.Capabilities,
		}
		if err := s.Upsert(ctx, v); err != nil {
			return fmt.Errorf("seed voice %q: %w", entry.ID, err)
		}
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Upsert inserts or replaces one voice row.
func (s *Store) Upsert(ctx context.Context, v Voice) error {
	caps, err := json.Marshal(v.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voices(voice_id, language, display_name, description, category, capabilities)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(voice_id) DO UPDATE SET
		   language=excluded.language, display_name=excluded.display_name,
		   description=excluded.description, category=excluded.category,
		   capabilities=excluded.capabilities`,
		v.ID, v.Language, v.Name, v.Description, v.Category, string(caps))
	return err
}

func (s *Store) ListAll(ctx context.Context, category string) ([]Voice, error) {
	query := `SELECT voice_id, language, display_name, description, category, capabilities
	          FROM voices`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY voice_id ASC`
	return s.queryVoices(ctx, query, args...)
}

func (s *Store) ListByCapability(ctx context.Context, capability string) ([]Voice, error) {
	voices, err := s.ListAll(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []Voice
	for _, v := range voices {
		if v.HasCapability(capability) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) DefaultLanguage(_ context.Context) (string, error) {
	return s.language, nil
}

func (s *Store) queryVoices(ctx context.Context, query string, args ...any) ([]Voice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var voices []Voice
	for rows.Next() {
		var v Voice
		var caps sql.NullString
		if err := rows.Scan(&v.ID, &v.Language, &v.Name, &v.Description, &v.Category, &caps); err != nil {
			return nil, err
		}
		if caps.Valid && caps.String != "" {
			if err := json.Unmarshal([]byte(caps.String), &v.Capabilities); err != nil {
				s.log.Warn("invalid capabilities for voice", slog.String("voice", v.ID), slog.String("error", err.Error()))
			}
		}
		voices = append(voices, v)
	}
	return voices, rows.Err()
}
