package types

import (
	"encoding/json"
	"sort"
	"time"
)

// ContentUpdate is a whole-document replacement broadcast on the
// content channel, tagged with the user that produced it.
type ContentUpdate struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	UserID  string `json:"userId"`
}

// PresenceEvent announces a user joining or leaving a note.
type PresenceEvent struct {
	UserID   string `json:"userId"`
	Joining  bool   `json:"joining"`
	UserName string `json:"userName,omitempty"`
}

// TypingEvent toggles a user's typing indicator.
type TypingEvent struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// RequestInitialState is the only StateRequest type.
const RequestInitialState = "initial-state"

// StateRequest asks the relay for a full snapshot.
type StateRequest struct {
	RequestType string `json:"requestType"`
}

// UserInfo describes a user as returned by the identity lookup.
type UserInfo struct {
	UserID      string `json:"userId"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// StateSnapshot is the authoritative state of a note. Absent fields
// (nil) are left untouched by the receiver.
type StateSnapshot struct {
	NoteID        string   `json:"noteId,omitempty"`
	Title         *string  `json:"title,omitempty"`
	Content       *string  `json:"content,omitempty"`
	ActiveUsers   *UserSet `json:"activeUsers,omitempty"`
	Collaborators *UserSet `json:"collaborators,omitempty"`
}

// UserSet is a set of users keyed by id. On the wire it is either an
// object keyed by user id or an array of records carrying userId or id.
type UserSet map[string]UserInfo

// IDs returns the user ids in sorted order.
func (s UserSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *UserSet) UnmarshalJSON(data []byte) error {
	out := UserSet{}
	if len(data) > 0 && data[0] == '[' {
		var list []struct {
			UserID      string `json:"userId"`
			ID          string `json:"id"`
			Email       string `json:"email"`
			DisplayName string `json:"displayName"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		for _, u := range list {
			id := u.UserID
			if id == "" {
				id = u.ID
			}
			if id == "" {
				continue
			}
			out[id] = UserInfo{UserID: id, Email: u.Email, DisplayName: u.DisplayName}
		}
		*s = out
		return nil
	}

	var byID map[string]json.RawMessage
	if err := json.Unmarshal(data, &byID); err != nil {
		return err
	}
	for id, raw := range byID {
		if id == "" {
			continue
		}
		var info UserInfo
		// Values may be empty objects or null; only the key is authoritative.
		_ = json.Unmarshal(raw, &info)
		info.UserID = id
		out[id] = info
	}
	*s = out
	return nil
}

// Note is the persisted document as served by the REST API.
type Note struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Content         string    `json:"content"`
	OwnerID         string    `json:"ownerId"`
	CollaboratorIDs []string  `json:"collaboratorIds"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// HasAccess reports whether userID owns or collaborates on the note.
func (n *Note) HasAccess(userID string) bool {
	if n.OwnerID == userID {
		return true
	}
	for _, id := range n.CollaboratorIDs {
		if id == userID {
			return true
		}
	}
	return false
}
