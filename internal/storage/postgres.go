// internal/storage/postgres.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-securemedia-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres reads media metadata from PostgreSQL.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a PostgreSQL store.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Every request performs a handful of short indexed reads
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates the tables and indexes the lookups rely on if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
		    id TEXT PRIMARY KEY,
		    username TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS media (
		    id BIGSERIAL PRIMARY KEY,
		    friendly_token TEXT NOT NULL UNIQUE,
		    uid TEXT NOT NULL UNIQUE,
		    user_id TEXT NOT NULL REFERENCES users(id),
		    state TEXT NOT NULL DEFAULT 'public',     -- public, unlisted, restricted, private
		    password TEXT NOT NULL DEFAULT '',
		    media_file TEXT NOT NULL DEFAULT '',
		    filename TEXT NOT NULL DEFAULT '',          -- base name of media_file, backfilled lazily
		    thumbnail TEXT NOT NULL DEFAULT '',
		    poster TEXT NOT NULL DEFAULT '',
		    uploaded_thumbnail TEXT NOT NULL DEFAULT '',
		    uploaded_poster TEXT NOT NULL DEFAULT '',
		    sprites TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_media_user_filename ON media(user_id, filename);
		CREATE INDEX IF NOT EXISTS idx_media_filename ON media(filename);

		CREATE TABLE IF NOT EXISTS encodings (
		    id BIGSERIAL PRIMARY KEY,
		    media_id BIGINT NOT NULL REFERENCES media(id) ON DELETE CASCADE,
		    profile_id INTEGER NOT NULL,
		    media_file TEXT NOT NULL DEFAULT '',
		    filename TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_encodings_media ON encodings(media_id);
		CREATE INDEX IF NOT EXISTS idx_encodings_profile_filename ON encodings(profile_id, filename);

		CREATE TABLE IF NOT EXISTS subtitles (
		    id BIGSERIAL PRIMARY KEY,
		    media_id BIGINT NOT NULL REFERENCES media(id) ON DELETE CASCADE,
		    subtitle_file TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_subtitles_media ON subtitles(media_id);
		CREATE INDEX IF NOT EXISTS idx_subtitles_file ON subtitles(subtitle_file);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

const assetColumns = `m.id, m.friendly_token, m.uid, m.user_id, u.username, m.state, m.password,
	m.media_file, m.filename, m.thumbnail, m.poster, m.uploaded_thumbnail, m.uploaded_poster, m.sprites`

const assetFrom = ` FROM media m JOIN users u ON u.id = m.user_id `

func scanAsset(row pgx.Row, extra ...any) (*model.Asset, error) {
	var a model.Asset
	var state string
	dest := []any{
		&a.ID, &a.FriendlyToken, &a.UID, &a.OwnerID, &a.OwnerUsername, &state, &a.Password,
		&a.MediaFile, &a.Filename, &a.Thumbnail, &a.Poster, &a.UploadedThumbnail, &a.UploadedPoster, &a.Sprites,
	}
	if err := row.Scan(append(extra, dest...)...); err != nil {
		return nil, err
	}
	a.State = model.State(state)
	return &a, nil
}

// likeSuffix builds a LIKE pattern matching values that end in suffix literally.
func likeSuffix(suffix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(suffix)
}

func (p *postgres) queryAsset(ctx context.Context, op, where string, args ...any) (*model.Asset, error) {
	query := `SELECT ` + assetColumns + assetFrom + `WHERE ` + where + ` ORDER BY m.id LIMIT 1`
	a, err := scanAsset(p.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return a, nil
}

func (p *postgres) GetAsset(ctx context.Context, id int64) (*model.Asset, error) {
	return p.queryAsset(ctx, "get asset", `m.id = $1`, id)
}

func (p *postgres) GetAssetByUID(ctx context.Context, uid string) (*model.Asset, error) {
	return p.queryAsset(ctx, "get asset by uid", `m.uid = $1`, uid)
}

func (p *postgres) FindAssetByOwnerFilename(ctx context.Context, owner, filename string) (*model.Asset, error) {
	return p.queryAsset(ctx, "find asset by owner filename", `u.username = $1 AND m.filename = $2`, owner, filename)
}

func (p *postgres) FindAssetByOwnerPathSuffix(ctx context.Context, owner, suffix string) (*model.Asset, error) {
	return p.queryAsset(ctx, "find asset by owner path suffix",
		`u.username = $1 AND m.media_file LIKE $2 ESCAPE '\'`, owner, likeSuffix(suffix))
}

func (p *postgres) FindAssetByFilename(ctx context.Context, filename string) (*model.Asset, error) {
	return p.queryAsset(ctx, "find asset by filename", `m.filename = $1`, filename)
}

func (p *postgres) FindAssetByOwnerThumbnail(ctx context.Context, owner, path string) (*model.Asset, error) {
	return p.queryAsset(ctx, "find asset by owner thumbnail",
		`u.username = $1 AND $2 IN (m.thumbnail, m.poster, m.uploaded_thumbnail, m.uploaded_poster, m.sprites)`, owner, path)
}

func (p *postgres) FindAssetsByThumbnailSuffix(ctx context.Context, suffix string, limit int) ([]model.Asset, int, error) {
	// count(*) OVER () reports the full match count alongside the capped page
	query := `SELECT count(*) OVER (), ` + assetColumns + assetFrom + `
		WHERE m.thumbnail LIKE $1 ESCAPE '\' OR m.poster LIKE $1 ESCAPE '\'
		   OR m.uploaded_thumbnail LIKE $1 ESCAPE '\' OR m.uploaded_poster LIKE $1 ESCAPE '\'
		   OR m.sprites LIKE $1 ESCAPE '\'
		ORDER BY m.id LIMIT $2`

	rows, err := p.db.Query(ctx, query, likeSuffix(suffix), limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find assets by thumbnail suffix: %w", err)
	}
	defer rows.Close()

	var assets []model.Asset
	total := 0
	for rows.Next() {
		a, err := scanAsset(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate assets: %w", err)
	}
	return assets, total, nil
}

func (p *postgres) SetAssetFilename(ctx context.Context, id int64, filename string) error {
	result, err := p.db.Exec(ctx, `UPDATE media SET filename = $1 WHERE id = $2`, filename, id)
	if err != nil {
		return fmt.Errorf("failed to set asset filename: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) FindEncoding(ctx context.Context, q EncodingQuery) (*model.Encoding, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Owner != "" {
		add("u.username = $%d", q.Owner)
	}
	if q.ProfileID != nil {
		add("e.profile_id = $%d", *q.ProfileID)
	}
	if q.Filename != "" {
		add("e.filename = $%d", q.Filename)
	}
	if q.PathSuffix != "" {
		add(`e.media_file LIKE $%d ESCAPE '\'`, likeSuffix(q.PathSuffix))
	}
	if len(where) == 0 {
		return nil, fmt.Errorf("encoding query has no conditions")
	}

	query := `SELECT e.id, e.media_id, e.profile_id, e.media_file, e.filename, ` + assetColumns + `
		FROM encodings e JOIN media m ON m.id = e.media_id JOIN users u ON u.id = m.user_id
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY e.id LIMIT 1`

	var e model.Encoding
	media, err := scanAsset(p.db.QueryRow(ctx, query, args...), &e.ID, &e.MediaID, &e.ProfileID, &e.MediaFile, &e.Filename)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find encoding: %w", err)
	}
	e.Media = media
	return &e, nil
}

func (p *postgres) ListEncodings(ctx context.Context, mediaID int64) ([]model.Encoding, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, media_id, profile_id, media_file, filename FROM encodings WHERE media_id = $1 ORDER BY id`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list encodings: %w", err)
	}
	defer rows.Close()

	var out []model.Encoding
	for rows.Next() {
		var e model.Encoding
		if err := rows.Scan(&e.ID, &e.MediaID, &e.ProfileID, &e.MediaFile, &e.Filename); err != nil {
			return nil, fmt.Errorf("failed to scan encoding: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *postgres) SetEncodingFilename(ctx context.Context, id int64, filename string) error {
	result, err := p.db.Exec(ctx, `UPDATE encodings SET filename = $1 WHERE id = $2`, filename, id)
	if err != nil {
		return fmt.Errorf("failed to set encoding filename: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgres) FindSubtitle(ctx context.Context, q SubtitleQuery) (*model.Subtitle, error) {
	var where []string
	var args []any
	if q.Owner != "" {
		args = append(args, q.Owner)
		where = append(where, fmt.Sprintf("u.username = $%d", len(args)))
	}
	switch {
	case q.Path != "":
		args = append(args, q.Path)
		where = append(where, fmt.Sprintf("s.subtitle_file = $%d", len(args)))
	case q.PathSuffix != "":
		args = append(args, likeSuffix(q.PathSuffix))
		where = append(where, fmt.Sprintf(`s.subtitle_file LIKE $%d ESCAPE '\'`, len(args)))
	default:
		return nil, fmt.Errorf("subtitle query needs a path or suffix")
	}

	query := `SELECT s.id, s.media_id, s.subtitle_file, ` + assetColumns + `
		FROM subtitles s JOIN media m ON m.id = s.media_id JOIN users u ON u.id = m.user_id
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY s.id DESC LIMIT 1`

	var s model.Subtitle
	media, err := scanAsset(p.db.QueryRow(ctx, query, args...), &s.ID, &s.MediaID, &s.SubtitleFile)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find subtitle: %w", err)
	}
	s.Media = media
	return &s, nil
}

func (p *postgres) FindSubtitlesBySuffix(ctx context.Context, owner, suffix string, limit int) ([]model.Subtitle, error) {
	args := []any{likeSuffix(suffix), limit}
	where := `s.subtitle_file LIKE $1 ESCAPE '\'`
	if owner != "" {
		args = append(args, owner)
		where += ` AND u.username = $3`
	}
	query := `SELECT s.id, s.media_id, s.subtitle_file, ` + assetColumns + `
		FROM subtitles s JOIN media m ON m.id = s.media_id JOIN users u ON u.id = m.user_id
		WHERE ` + where + ` ORDER BY s.id DESC LIMIT $2`

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find subtitles by suffix: %w", err)
	}
	defer rows.Close()

	var out []model.Subtitle
	for rows.Next() {
		var s model.Subtitle
		media, err := scanAsset(rows, &s.ID, &s.MediaID, &s.SubtitleFile)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subtitle: %w", err)
		}
		s.Media = media
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *postgres) ListSubtitles(ctx context.Context, mediaID int64) ([]model.Subtitle, error) {
	rows, err := p.db.Query(ctx,
		`SELECT id, media_id, subtitle_file FROM subtitles WHERE media_id = $1 ORDER BY id`, mediaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtitles: %w", err)
	}
	defer rows.Close()

	var out []model.Subtitle
	for rows.Next() {
		var s model.Subtitle
		if err := rows.Scan(&s.ID, &s.MediaID, &s.SubtitleFile); err != nil {
			return nil, fmt.Errorf("failed to scan subtitle: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
