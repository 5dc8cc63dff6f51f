package models

// MFAStatus is the outcome of an MFA challenge
type MFAStatus string

const (
	MFAStatusPending  MFAStatus = "pending"
	MFAStatusApproved MFAStatus = "approved"
	MFAStatusDenied   MFAStatus = "denied"
	MFAStatusTimeout  MFAStatus = "timeout"
)

// MFAChallenge is an issued challenge; URL is where the user completes it
type MFAChallenge struct {
	ID        string `json:"id"`
	UserEmail string `json:"user_email"`
	URL       string `json:"url"`
}
