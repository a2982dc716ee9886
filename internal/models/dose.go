package models

import "time"

// TimeSlot 服药时间段
type TimeSlot string

const (
	SlotMorning TimeSlot = "morning"
	SlotNoon    TimeSlot = "noon"
	SlotEvening TimeSlot = "evening"
	SlotNight   TimeSlot = "night"
	SlotCustom  TimeSlot = "custom"
)

// DoseStatus 服药记录状态
type DoseStatus string

const (
	DosePending DoseStatus = "pending"
	DoseTaken   DoseStatus = "taken"
	DoseMissed  DoseStatus = "missed"
	DoseSkipped DoseStatus = "skipped"
)

// DoseOccurrence 一次计划服药（对应 medication_logs 及其 schedule / medication / group）
type DoseOccurrence struct {
	ID             int64      `json:"id" db:"id"`
	UserID         int64      `json:"user_id" db:"user_id"`
	MedicationName string     `json:"medication_name" db:"medication_name"`
	DueAt          time.Time  `json:"due_at" db:"scheduled_datetime"`
	TimeSlot       TimeSlot   `json:"time_slot" db:"time_of_day"`
	Status         DoseStatus `json:"status" db:"status"`
	Severe         bool       `json:"severe" db:"is_severe"` // 继承自 medication_groups.is_severe
	TaskHandle     *string    `json:"task_handle,omitempty" db:"task_handle"`
}

// IsPending 是否仍待服用
func (d *DoseOccurrence) IsPending() bool {
	return d.Status == DosePending
}
