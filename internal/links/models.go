package links

import "time"

type Status string

const (
	StatusPending      Status = "pending"
	StatusDownloading  Status = "downloading"
	StatusTranscribing Status = "transcribing"
	StatusFinished     Status = "finished"
	StatusFailed       Status = "failed"
)

// Link is one submitted track and its processing record.
type Link struct {
	ID  int64  `gorm:"primaryKey;autoIncrement"`
	URL string `gorm:"type:text;not null"`

	Status Status `gorm:"type:varchar(16);index;not null"`

	// Filled when finished
	WordFilePath *string `gorm:"type:text"`

	// Filled when failed
	FailureReason *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Link) TableName() string { return "soundcloud_links" }

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusTranscribing, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// CanTransition enforces the pipeline edges:
// pending -> downloading -> transcribing -> finished, with failed reachable
// from downloading or transcribing only.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusDownloading
	case StatusDownloading:
		return to == StatusTranscribing || to == StatusFailed
	case StatusTranscribing:
		return to == StatusFinished || to == StatusFailed
	default:
		return false
	}
}
