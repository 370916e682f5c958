package model

import "time"

// FlagType enumerates integrity signals.
type FlagType string

const (
	FlagTypeNoFace        FlagType = "no_face"
	FlagTypeMultipleFaces FlagType = "multiple_faces"
	// FlagTypeLookingAway is reserved; no sensor currently produces it.
	FlagTypeLookingAway FlagType = "looking_away"
	FlagTypeTabSwitch   FlagType = "tab_switch"
)

// Valid reports whether t is a known flag type.
func (t FlagType) Valid() bool {
	switch t {
	case FlagTypeNoFace, FlagTypeMultipleFaces, FlagTypeLookingAway, FlagTypeTabSwitch:
		return true
	default:
		return false
	}
}

// ProctoringFlag is one accepted integrity event.
type ProctoringFlag struct {
	Timestamp time.Time `json:"timestamp"`
	Type      FlagType  `json:"type"`
	Details   string    `json:"details,omitempty"`
}

// FlagLogEntry is what the logging collaborator receives for an accepted flag.
type FlagLogEntry struct {
	SessionID   string         `json:"session_id"`
	ExamID      string         `json:"exam_id"`
	CandidateID string         `json:"candidate_id"`
	Flag        ProctoringFlag `json:"flag"`
}
