package models

// TA identifies a grader and the help-queue name they answer to.
type TA struct {
	NetID     string `gorm:"primaryKey;size:64" json:"netid" validate:"required"`
	QueueName string `gorm:"size:255" json:"queue_name"`
}
