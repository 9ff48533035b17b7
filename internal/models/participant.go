package models

import "time"

// Participant is an enrolled employee or student, as seen through the roster
type Participant struct {
	ID             string `json:"id" gorm:"column:participant_id"`
	ScheduleID     string `json:"schedule_id" gorm:"column:schedule_id"`
	Name           string `json:"name" gorm:"column:name"`
	DeviceID       string `json:"device_id" gorm:"column:device_id"`
	TelegramChatID int64  `json:"telegram_chat_id" gorm:"column:telegram_chat_id"`
}

// Enrollment is the roster row binding a participant to a schedule
type Enrollment struct {
	ScheduleID     string `gorm:"primaryKey;column:schedule_id"`
	ParticipantID  string `gorm:"primaryKey;column:participant_id"`
	Name           string `gorm:"column:name"`
	DeviceID       string `gorm:"column:device_id"`
	TelegramChatID int64  `gorm:"column:telegram_chat_id"`
	IsActive       bool   `gorm:"column:is_active;default:true"`
}

func (Enrollment) TableName() string { return "enrollments" }

// Participant converts the roster row
func (e Enrollment) Participant() Participant {
	return Participant{
		ID:             e.ParticipantID,
		ScheduleID:     e.ScheduleID,
		Name:           e.Name,
		DeviceID:       e.DeviceID,
		TelegramChatID: e.TelegramChatID,
	}
}

// Holiday is a non-business day
type Holiday struct {
	Date time.Time `gorm:"primaryKey;column:date;type:date"`
	Name string    `gorm:"column:name"`
}

func (Holiday) TableName() string { return "holidays" }

// Notification is one message for the dispatch collaborator
type Notification struct {
	RecipientID string            `json:"recipient_id"`
	ChatID      int64             `json:"chat_id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Payload     map[string]string `json:"payload,omitempty"`
}
