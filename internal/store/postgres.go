package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Postgres backs the store with gorm. Conditional writes are expressed as
// guarded UPDATEs; RowsAffected tells the caller whether the guard held.
type Postgres struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &InviteRecord{}, &ParticipantStats{}, &HistoryEntry{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// Partial unique index: concurrent sends for the same ordered pair race
	// at the database, not in the service.
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_invites_pending_pair
		ON invite_records (sender_id, receiver_id) WHERE status = 'pending'`).Error
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) CreateSession(ctx context.Context, rec *SessionRecord) error {
	if err := p.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) SetRoster(ctx context.Context, sessionID string, slot int, rosterJSON string) (bool, error) {
	col := "roster1"
	if slot == 1 {
		col = "roster2"
	}
	res := p.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ? AND "+col+" = ''", sessionID).
		Update(col, rosterJSON)
	if res.Error != nil {
		return false, fmt.Errorf("set roster: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (p *Postgres) FinishSession(ctx context.Context, id, winner, reason string, endedAt time.Time) (bool, error) {
	res := p.db.WithContext(ctx).Model(&SessionRecord{}).
		Where("id = ? AND winner = ''", id).
		Updates(map[string]any{"winner": winner, "reason": reason, "ended_at": endedAt})
	if res.Error != nil {
		return false, fmt.Errorf("finish session: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (p *Postgres) CreateInvite(ctx context.Context, rec *InviteRecord) error {
	if err := p.db.WithContext(ctx).Create(rec).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrDuplicatePending
		}
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (p *Postgres) GetInvite(ctx context.Context, id string) (*InviteRecord, error) {
	var rec InviteRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invite: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) PendingInvite(ctx context.Context, senderID, receiverID string) (*InviteRecord, error) {
	var rec InviteRecord
	err := p.db.WithContext(ctx).
		Where("sender_id = ? AND receiver_id = ? AND status = ?", senderID, receiverID, "pending").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pending invite: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) TransitionInvite(ctx context.Context, id, from, to string) (bool, error) {
	res := p.db.WithContext(ctx).Model(&InviteRecord{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("transition invite: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (p *Postgres) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := p.db.WithContext(ctx).Model(&InviteRecord{}).
		Where("status = ? AND expires_at <= ?", "pending", cutoff).
		Update("status", "expired")
	if res.Error != nil {
		return 0, fmt.Errorf("expire invites: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (p *Postgres) RecordResult(ctx context.Context, participantID, outcome string) error {
	col, ok := statColumn(outcome)
	if !ok {
		return fmt.Errorf("record result: unknown outcome %q", outcome)
	}
	stats := ParticipantStats{ParticipantID: participantID}
	switch col {
	case "wins":
		stats.Wins = 1
	case "losses":
		stats.Losses = 1
	case "draws":
		stats.Draws = 1
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participant_id"}},
		DoUpdates: clause.Assignments(map[string]any{col: gorm.Expr(col + " + 1")}),
	}).Create(&stats).Error
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

func statColumn(outcome string) (string, bool) {
	switch outcome {
	case "win":
		return "wins", true
	case "loss":
		return "losses", true
	case "draw":
		return "draws", true
	}
	return "", false
}

func (p *Postgres) AppendHistory(ctx context.Context, participantID, sessionID string, endedAt time.Time) error {
	entry := HistoryEntry{ParticipantID: participantID, SessionID: sessionID, EndedAt: endedAt}
	if err := p.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (p *Postgres) History(ctx context.Context, participantID string, limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := p.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Order("ended_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return entries, nil
}
