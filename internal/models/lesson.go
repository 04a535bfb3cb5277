package models

import "time"

const (
	GenderMale   = "MALE"
	GenderFemale = "FEMALE"
)

type Lesson struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Capacity  int       `json:"capacity"`
	Price     int64     `json:"price"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

type LessonCapacity struct {
	LessonID       int64     `json:"lesson_id"`
	Capacity       int       `json:"capacity"`
	ActiveHolds    int       `json:"active_holds"`
	AvailableSlots int       `json:"available_slots"`
	Timestamp      time.Time `json:"timestamp"`
}

type LockerInventory struct {
	Gender        string    `json:"gender"`
	TotalQuantity int       `json:"total_quantity"`
	UsedQuantity  int       `json:"used_quantity"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (l *LockerInventory) Available() int {
	if l.UsedQuantity >= l.TotalQuantity {
		return 0
	}
	return l.TotalQuantity - l.UsedQuantity
}
