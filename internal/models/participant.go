package models

import "time"

// Participant is a registered study participant
type Participant struct {
	ID            int64     `json:"id"`
	School        string    `json:"school,omitempty"`
	StudentNumber string    `json:"student_number,omitempty"`
	Course        string    `json:"course,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Demographic holds the answers of the demographic form
type Demographic struct {
	ID                    int64     `json:"id"`
	ParticipantID         int64     `json:"participant_id"`
	Gender                string    `json:"gender,omitempty"`
	Age                   *int      `json:"age,omitempty"`
	Education             string    `json:"education,omitempty"`
	Department            string    `json:"department,omitempty"`
	Year                  string    `json:"year,omitempty"`
	MaritalStatus         string    `json:"marital_status,omitempty"`
	EmploymentStatus      string    `json:"employment_status,omitempty"`
	LivingWith            []string  `json:"living_with,omitempty"`
	LongestResidence      string    `json:"longest_residence,omitempty"`
	CurrentSocialStatus   string    `json:"current_social_status,omitempty"`
	ChildhoodSocialStatus string    `json:"childhood_social_status,omitempty"`
	MonthlyIncome         string    `json:"monthly_income,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Questionnaire stores Likert answers keyed by question ("section2.14")
type Questionnaire struct {
	ID            int64          `json:"id"`
	ParticipantID int64          `json:"participant_id"`
	Answers       map[string]int `json:"answers"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CreateParticipantRequest represents a participant registration
type CreateParticipantRequest struct {
	School        string `json:"school"`
	StudentNumber string `json:"student_number"`
	Course        string `json:"course"`
}

// SaveDemographicRequest represents a demographic form submission
type SaveDemographicRequest struct {
	ParticipantID         int64    `json:"participant_id"`
	Gender                string   `json:"gender"`
	Age                   *int     `json:"age"`
	Education             string   `json:"education"`
	Department            string   `json:"department"`
	Year                  string   `json:"year"`
	MaritalStatus         string   `json:"marital_status"`
	EmploymentStatus      string   `json:"employment_status"`
	LivingWith            []string `json:"living_with"`
	LongestResidence      string   `json:"longest_residence"`
	CurrentSocialStatus   string   `json:"current_social_status"`
	ChildhoodSocialStatus string   `json:"childhood_social_status"`
	MonthlyIncome         string   `json:"monthly_income"`
}

// SaveQuestionnaireRequest carries answers grouped by section name ("section1")
type SaveQuestionnaireRequest struct {
	ParticipantID int64            `json:"participant_id"`
	Sections      map[string][]int `json:"sections"`
}

// QuestionnaireResponse is the section-array view of stored answers
type QuestionnaireResponse struct {
	ParticipantID int64            `json:"participant_id"`
	Sections      map[string][]int `json:"sections"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
