package models

import "time"

type User struct {
	ID        int    `json:"id" example:"1"`                   // User ID
	Email     string `json:"email" example:"user@example.com"` // User email
	FirstName string `json:"FirstName" example:"John"`         // User first name
	LastName  string `json:"LastName" example:"Doe"`           // User last name
	AccountID int    `json:"AccountId" example:"42"`           // Billing account ID
	Role      string `json:"role" example:"user"`
	LastLogin *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}
