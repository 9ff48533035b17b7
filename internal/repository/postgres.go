package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"presence-verifier/internal/models"
)

// PostgresStore implements Store with gorm on PostgreSQL
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgres connects, tunes the pool and migrates the schema
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: NewGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxIdleTime(60 * time.Second)
	sqlDB.SetConnMaxLifetime(10 * time.Minute)

	store := NewPostgresStore(db)
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	log.Println("✅ [postgres] connected and migrated")
	return store, nil
}

// NewPostgresStore wraps an open gorm handle
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates or updates every table the engine uses
func (r *PostgresStore) Migrate() error {
	err := r.db.AutoMigrate(
		&models.Session{},
		&models.Round{},
		&models.EvidenceRecord{},
		&models.AnomalyRecord{},
		&models.RoundAttendance{},
		&models.AttendanceOutcome{},
		&models.ReminderLog{},
		&models.DeadLetter{},
		&models.Enrollment{},
		&models.Holiday{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close releases the connection pool
func (r *PostgresStore) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health pings the database
func (r *PostgresStore) Health(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *PostgresStore) CreateSession(ctx context.Context, s *models.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *PostgresStore) ActiveSessionForSchedule(ctx context.Context, scheduleID string) (*models.Session, error) {
	var sessions []models.Session
	err := r.db.WithContext(ctx).
		Where("schedule_id = ? AND status = ?", scheduleID, models.SessionActive).
		Limit(1).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (r *PostgresStore) SaveSession(ctx context.Context, s *models.Session) error {
	res := r.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ?", s.ID).
		Updates(map[string]interface{}{
			"status":       s.Status,
			"actual_start": s.ActualStart,
			"actual_end":   s.ActualEnd,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	var sessions []models.Session
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("id").Find(&sessions).Error
	return sessions, err
}

func (r *PostgresStore) CreateRounds(ctx context.Context, rounds []models.Round) error {
	if len(rounds) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "number"}},
			DoNothing: true,
		}).
		CreateInBatches(rounds, 100).Error
}

func (r *PostgresStore) ListRounds(ctx context.Context, sessionID string) ([]models.Round, error) {
	var rounds []models.Round
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("number").Find(&rounds).Error
	return rounds, err
}

func (r *PostgresStore) GetRound(ctx context.Context, id string) (*models.Round, error) {
	var rd models.Round
	if err := r.db.WithContext(ctx).First(&rd, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &rd, nil
}

func (r *PostgresStore) SaveRound(ctx context.Context, rd *models.Round) error {
	res := r.db.WithContext(ctx).Model(&models.Round{}).
		Where("id = ?", rd.ID).
		Updates(map[string]interface{}{
			"status":       rd.Status,
			"activated_at": rd.ActivatedAt,
			"closed_at":    rd.ClosedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) CreateEvidence(ctx context.Context, e *models.EvidenceRecord) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *PostgresStore) ListEvidence(ctx context.Context, sessionID, participantID string) ([]models.EvidenceRecord, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if participantID != "" {
		q = q.Where("participant_id = ?", participantID)
	}
	var records []models.EvidenceRecord
	err := q.Order("captured_at").Find(&records).Error
	return records, err
}

func (r *PostgresStore) LocationHistory(ctx context.Context, sessionID, participantID string) (*models.EvidenceRecord, *models.EvidenceRecord, error) {
	base := func() *gorm.DB {
		return r.db.WithContext(ctx).
			Where("session_id = ? AND participant_id = ? AND latitude IS NOT NULL", sessionID, participantID).
			Limit(1)
	}

	var first, last []models.EvidenceRecord
	if err := base().Order("captured_at ASC").Find(&first).Error; err != nil {
		return nil, nil, err
	}
	if len(first) == 0 {
		return nil, nil, nil
	}
	if err := base().Order("captured_at DESC").Find(&last).Error; err != nil {
		return nil, nil, err
	}
	return &first[0], &last[0], nil
}

func (r *PostgresStore) CreateAnomaly(ctx context.Context, a *models.AnomalyRecord) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *PostgresStore) UpsertRoundAttendance(ctx context.Context, rows []models.RoundAttendance) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "round_id"}, {Name: "participant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"session_id", "round_number", "attended", "evidence_id", "status"}),
		}).
		Create(&rows).Error
}

func (r *PostgresStore) ListRoundAttendance(ctx context.Context, sessionID, participantID string) ([]models.RoundAttendance, error) {
	var rows []models.RoundAttendance
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND participant_id = ?", sessionID, participantID).
		Order("round_number").
		Find(&rows).Error
	return rows, err
}

func (r *PostgresStore) UpsertOutcome(ctx context.Context, o *models.AttendanceOutcome) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "participant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"attended_rounds", "total_rounds", "percentage", "status", "finalized_at"}),
		}).
		Create(o).Error
}

func (r *PostgresStore) GetOutcome(ctx context.Context, sessionID, participantID string) (*models.AttendanceOutcome, error) {
	var o models.AttendanceOutcome
	err := r.db.WithContext(ctx).
		First(&o, "session_id = ? AND participant_id = ?", sessionID, participantID).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (r *PostgresStore) MarkReminderSent(ctx context.Context, roundID, participantID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.ReminderLog{RoundID: roundID, ParticipantID: participantID, SentAt: at})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *PostgresStore) SaveDeadLetter(ctx context.Context, d *models.DeadLetter) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *PostgresStore) ListParticipants(ctx context.Context, scheduleID string) ([]models.Participant, error) {
	var rows []models.Enrollment
	err := r.db.WithContext(ctx).
		Where("schedule_id = ? AND is_active = ?", scheduleID, true).
		Order("participant_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]models.Participant, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Participant())
	}
	return out, nil
}

func (r *PostgresStore) SchedulesForParticipant(ctx context.Context, participantID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("participant_id = ? AND is_active = ?", participantID, true).
		Pluck("schedule_id", &ids).Error
	return ids, err
}

func (r *PostgresStore) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Holiday{}).
		Where("date = ?", date.Format("2006-01-02")).
		Count(&count).Error
	return count > 0, err
}

var _ Store = (*PostgresStore)(nil)

// GormLogger routes SQL logging through the standard logger with a slow-query marker
type GormLogger struct {
	SlowThreshold time.Duration
	LogLevel      gormLogger.LogLevel
}

func NewGormLogger() gormLogger.Interface {
	return &GormLogger{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      gormLogger.Warn,
	}
}

func (l *GormLogger) LogMode(level gormLogger.LogLevel) gormLogger.Interface {
	next := *l
	next.LogLevel = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Info {
		log.Printf("[INFO] "+msg, data...)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Warn {
		log.Printf("[WARN] "+msg, data...)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= gormLogger.Error {
		log.Printf("[ERROR] "+msg, data...)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= gormLogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	file := utils.FileWithLineNum()

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		log.Printf("[ERROR] %s | %v | %s | %d rows | %s", file, err, elapsed, rows, sql)
	case elapsed > l.SlowThreshold:
		log.Printf("[SLOW SQL] %s | %s | %d rows | %s", file, elapsed, rows, sql)
	case l.LogLevel >= gormLogger.Info:
		log.Printf("[QUERY] %s | %s | %d rows | %s", file, elapsed, rows, sql)
	}
}
