package models

// Confidence is derived from the number of data sources that informed an answer.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceFor returns high for two or more sources, medium for one, low for none.
func ConfidenceFor(sources int) Confidence {
	switch {
	case sources >= 2:
		return ConfidenceHigh
	case sources == 1:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// DataSource tags one assessment data source.
type DataSource string

const (
	SourceEMT  DataSource = "EMT"
	SourceREAL DataSource = "REAL"
	SourceSEL  DataSource = "SEL"
)

// AllSources is the default-all ordering.
var AllSources = []DataSource{SourceEMT, SourceREAL, SourceSEL}

type AskRequest struct {
	Question    string `json:"question"`
	StudentID   string `json:"student_id,omitempty"`
	ClassroomID string `json:"classroom_id,omitempty"`
	GradeLevel  string `json:"grade_level,omitempty"`
}

type AskResponse struct {
	Answer      string       `json:"answer"`
	DataSources []DataSource `json:"data_sources"`
	Confidence  Confidence   `json:"confidence"`
}

// ChatTurn is one prior message in a chat conversation.
type ChatTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type ChatRequest struct {
	Message string     `json:"message"`
	Scores  JSONMap    `json:"scores,omitempty"`
	History []ChatTurn `json:"history,omitempty"`
}

type ChatResponse struct {
	Response string `json:"response"`
}
