package models

// EmailTemplate is an operator-managed template that overrides the embedded defaults.
// Subject, HTMLBody and TextBody are Go text/html templates rendered with the event context.
type EmailTemplate struct {
	BaseModel

	Name     string `gorm:"uniqueIndex;not null;size:100" json:"name"`
	Subject  string `gorm:"not null;size:255" json:"subject"`
	HTMLBody string `gorm:"type:text;not null" json:"html_body"`
	TextBody string `gorm:"type:text" json:"text_body"`
	IsActive bool   `gorm:"not null;default:true" json:"is_active"`
}
