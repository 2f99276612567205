package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mofa-org/mofa-fm-sub000/conference"
)

// sessionRow 会话归档的数据库形态。对话日志与参与者配置序列化为
// JSON 列存储，检索维度只有 session_id 与时间。
type sessionRow struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	SessionID     string    `gorm:"uniqueIndex;size:64;not null"`
	Participants  string    `gorm:"type:text"`
	DialogueLog   string    `gorm:"type:text"`
	AudioBlobRefs string    `gorm:"type:text"`
	FinalState    string    `gorm:"size:16"`
	FinalError    string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
	ClosedAt      time.Time
}

func (sessionRow) TableName() string { return "sessions" }

// ArchiveConfig 会话归档配置。
type ArchiveConfig struct {
	// Path SQLite 数据库文件路径，:memory: 为内存库
	Path string
	// MaxOpenConns 最大连接数，SQLite 保持 1
	MaxOpenConns int
	// ConnMaxLifetime 连接最大生命周期
	ConnMaxLifetime time.Duration
}

// Archive 基于 SQLite 的会话归档，实现 conference.Recorder。
type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewArchive 打开数据库并确保表结构。
func NewArchive(cfg ArchiveConfig, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "mofafm.db"
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access archive pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("archive auto-migrate failed: %w", err)
	}

	return &Archive{
		db:     db,
		logger: logger.With(zap.String("component", "store.archive")),
	}, nil
}

// SaveSession 归档一场会话。同一 session_id 重复归档时覆盖旧记录。
func (a *Archive) SaveSession(ctx context.Context, rec *conference.SessionRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing sessionRow
		res := tx.Where("session_id = ?", rec.SessionID).First(&existing)
		if res.Error == nil {
			row.ID = existing.ID
			return tx.Save(row).Error
		}
		if res.Error != gorm.ErrRecordNotFound {
			return res.Error
		}
		return tx.Create(row).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}

	a.logger.Info("session archived",
		zap.String("session_id", rec.SessionID),
		zap.Int("entries", len(rec.DialogueLog)))
	return nil
}

// LoadSession 按 session_id 读取归档。
func (a *Archive) LoadSession(ctx context.Context, sessionID string) (*conference.SessionRecord, error) {
	var row sessionRow
	err := a.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return fromRow(&row)
}

// ListSessions 按创建时间倒序返回最近的归档。
func (a *Archive) ListSessions(ctx context.Context, limit int) ([]*conference.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []sessionRow
	err := a.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	recs := make([]*conference.SessionRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// DeleteSession 删除一条归档。
func (a *Archive) DeleteSession(ctx context.Context, sessionID string) error {
	return a.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&sessionRow{}).Error
}

// Close 关闭底层连接。
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *conference.SessionRecord) (*sessionRow, error) {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}
	dialogue, err := json.Marshal(rec.DialogueLog)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dialogue log: %w", err)
	}
	blobs, err := json.Marshal(rec.AudioBlobRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audio blob refs: %w", err)
	}

	return &sessionRow{
		SessionID:     rec.SessionID,
		Participants:  string(participants),
		DialogueLog:   string(dialogue),
		AudioBlobRefs: string(blobs),
		FinalState:    string(rec.FinalState),
		FinalError:    rec.FinalError,
		CreatedAt:     rec.CreatedAt,
		ClosedAt:      rec.ClosedAt,
	}, nil
}

func fromRow(row *sessionRow) (*conference.SessionRecord, error) {
	rec := &conference.SessionRecord{
		SessionID:  row.SessionID,
		FinalState: conference.SessionState(row.FinalState),
		FinalError: row.FinalError,
		CreatedAt:  row.CreatedAt,
		ClosedAt:   row.ClosedAt,
	}
	if row.Participants != "" {
		if err := json.Unmarshal([]byte(row.Participants), &rec.Participants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
		}
	}
	if row.DialogueLog != "" {
		if err := json.Unmarshal([]byte(row.DialogueLog), &rec.DialogueLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dialogue log: %w", err)
		}
	}
	if row.AudioBlobRefs != "" {
		if err := json.Unmarshal([]byte(row.AudioBlobRefs), &rec.AudioBlobRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audio blob refs: %w", err)
		}
	}
	return rec, nil
}
