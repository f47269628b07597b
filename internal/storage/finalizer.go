// Package storage moves finished captures into their final location and
// records them in the broadcast index.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gorm.io/gorm/clause"

	"github.com/vodarr/vodarr/internal/config"
	"github.com/vodarr/vodarr/internal/database"
	"github.com/vodarr/vodarr/internal/twitch"
)

// DefaultTemplate names recordings when the config leaves the template empty.
const DefaultTemplate = "{{.Date}} {{.Channel}} {{.Title}}"

// Finalizer names, moves, and indexes finished recordings.
type Finalizer struct {
	db     *database.DB
	dir    string
	tmpl   *template.Template
	logger *slog.Logger
}

// templateData is the namespace a filename template renders against.
type templateData struct {
	Channel   string
	Title     string
	ID        string
	Type      string
	Date      string
	CreatedAt time.Time
}

// NewFinalizer prepares the recordings directory and the broadcast index
// schema.
func NewFinalizer(db *database.DB, cfg config.StorageConfig, logger *slog.Logger) (*Finalizer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	text := cfg.Template
	if text == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("broadcast").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing filename template: %w", err)
	}

	dir := cfg.VODPath()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating recordings directory: %w", err)
	}

	if err := db.AutoMigrate(&Broadcast{}); err != nil {
		return nil, fmt.Errorf("migrating broadcast index: %w", err)
	}

	return &Finalizer{db: db, dir: dir, tmpl: tmpl, logger: logger}, nil
}

// Add moves the temp file into the recordings directory under the templated
// name and records the broadcast. It returns the final path.
func (f *Finalizer) Add(ctx context.Context, video twitch.VideoInfo, tempPath string) (string, error) {
	info, err := os.Stat(tempPath)
	if err != nil {
		return "", fmt.Errorf("stat temp file: %w", err)
	}

	name, err := f.renderName(video)
	if err != nil {
		return "", err
	}

	final, err := uniquePath(filepath.Join(f.dir, name+".ts"))
	if err != nil {
		return "", err
	}

	f.logger.Info("finalizing broadcast",
		slog.String("video_id", video.ID),
		slog.String("from", tempPath),
		slog.String("to", final),
	)
	if err := moveFile(tempPath, final); err != nil {
		return "", fmt.Errorf("moving capture into storage: %w", err)
	}

	row := Broadcast{
		ID:        video.ID,
		Channel:   video.Channel,
		Type:      video.Type,
		Title:     video.Title,
		CreatedAt: video.CreatedAt,
		Path:      final,
		Size:      info.Size(),
	}
	err = f.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return "", fmt.Errorf("recording broadcast %s: %w", video.ID, err)
	}

	return final, nil
}

// AddedBroadcastIDs returns the ids of all indexed broadcasts of the given
// type.
func (f *Finalizer) AddedBroadcastIDs(ctx context.Context, broadcastType string) (map[string]struct{}, error) {
	var ids []string
	err := f.db.WithContext(ctx).
		Model(&Broadcast{}).
		Where("type = ?", broadcastType).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing %s broadcasts: %w", broadcastType, err)
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (f *Finalizer) renderName(video twitch.VideoInfo) (string, error) {
	var sb strings.Builder
	err := f.tmpl.Execute(&sb, templateData{
		Channel:   sanitizeFilename(video.Channel),
		Title:     sanitizeFilename(video.Title),
		ID:        video.ID,
		Type:      video.Type,
		Date:      video.CreatedAt.Format("2006-01-02"),
		CreatedAt: video.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("rendering filename template: %w", err)
	}

	name := strings.TrimSpace(sb.String())
	if name == "" {
		name = video.ID
	}
	return name, nil
}

// sanitizeFilename strips characters that are path separators or hostile to
// common filesystems.
func sanitizeFilename(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ';', '/', '\\', '?', '|', '*', '<', '>', '"', 0:
			return '_'
		}
		return r
	}, s)
}

// uniquePath resolves filename collisions with a " (n)" counter before the
// extension.
func uniquePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i < 1000; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free filename for %s", path)
}

// moveFile renames src to dst, falling back to copy-and-remove when the two
// paths live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}

	return os.Remove(src)
}
