package models

import "time"

// SaveMode controls whether a conversation is persisted server-side,
// persisted by the client, or discarded at the end of a request.
type SaveMode string

const (
	SaveModeNone   SaveMode = "none"
	SaveModeLocal  SaveMode = "local"
	SaveModeServer SaveMode = "server"
)

// Valid reports whether the save mode is one of the enumerated values.
func (m SaveMode) Valid() bool {
	switch m {
	case SaveModeNone, SaveModeLocal, SaveModeServer:
		return true
	}
	return false
}

// FileRef describes a file attached to a session. The content itself
// lives with the storage collaborator; the core only tracks references
// and optional extracted text.
type FileRef struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	Handle      string `json:"handle,omitempty"`
	Extracted   string `json:"extracted,omitempty"`
}

// Session is the authoritative per-conversation state. A session's
// history and files map are owned exclusively by its store entry; the
// orchestrator mutates them only while holding the session.
type Session struct {
	ID              string             `json:"id"`
	OwnerEmail      string             `json:"owner_email,omitempty"`
	SaveMode        SaveMode           `json:"save_mode"`
	Files           map[string]FileRef `json:"files,omitempty"`
	SelectedTools   []string           `json:"selected_tools,omitempty"`
	SelectedSources []string           `json:"selected_sources,omitempty"`
	PromptID        string             `json:"prompt_id,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	LastActivity    time.Time          `json:"last_activity"`
}

// Incognito reports whether the session should leave no server-side
// trace, which is derived from the save mode rather than stored.
func (s *Session) Incognito() bool {
	return s.SaveMode != SaveModeServer
}

// CloneSession copies a session, including its files map.
func CloneSession(s *Session) *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Files != nil {
		clone.Files = make(map[string]FileRef, len(s.Files))
		for k, v := range s.Files {
			clone.Files[k] = v
		}
	}
	if len(s.SelectedTools) > 0 {
		clone.SelectedTools = append([]string(nil), s.SelectedTools...)
	}
	if len(s.SelectedSources) > 0 {
		clone.SelectedSources = append([]string(nil), s.SelectedSources...)
	}
	return &clone
}
