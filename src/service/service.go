// Package service implements the relay's realtime note controller on
// top of the hub: content relay with persistence, presence and typing
// fan-out, and state snapshots.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/orchestra-mcp/notesync/src/hub"
	"github.com/orchestra-mcp/notesync/src/store"
	"github.com/orchestra-mcp/notesync/src/types"
)

// Actions handled on app.notes.{id}.{action}.
const (
	ActionUpdate   = "update"
	ActionPresence = "presence"
	ActionTyping   = "typing"
	ActionState    = "state"
)

// Service is the realtime note controller.
type Service struct {
	hub     *hub.Hub
	store   store.Store
	viewers Viewers
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a note controller. Call Register to attach it to the hub.
func New(h *hub.Hub, st store.Store, viewers Viewers, logger zerolog.Logger) *Service {
	return &Service{
		hub:     h,
		store:   st,
		viewers: viewers,
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "notes-service").Logger(),
	}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Viewers returns the viewer set.
func (s *Service) Viewers() Viewers { return s.viewers }

// Register installs the frame handlers and the disconnect hook.
func (s *Service) Register() {
	s.hub.RegisterHandler(ActionUpdate, s.handleUpdate)
	s.hub.RegisterHandler(ActionPresence, s.handlePresence)
	s.hub.RegisterHandler(ActionTyping, s.handleTyping)
	s.hub.RegisterHandler(ActionState, s.handleState)
	s.hub.OnDisconnection(s.dropClient)
	s.logger.Debug().Msg("handlers registered")
}

func (s *Service) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// sender resolves the note and authenticated user of a SEND frame.
func (s *Service) sender(clientID string, f types.Frame) (noteID, userID string, err error) {
	noteID, _, ok := types.ParseAppDestination(f.Destination)
	if !ok {
		return "", "", fmt.Errorf("bad destination %q", f.Destination)
	}
	userID = s.hub.UserOf(clientID)
	if userID == "" {
		return "", "", errors.New("unauthenticated")
	}
	return noteID, userID, nil
}

// handleUpdate persists a content update and rebroadcasts it stamped
// with the sender's user id.
func (s *Service) handleUpdate(clientID string, f types.Frame) error {
	noteID, userID, err := s.sender(clientID, f)
	if err != nil {
		return err
	}
	var u types.ContentUpdate
	if err := json.Unmarshal(f.Body, &u); err != nil {
		return &types.MalformedMessageError{Destination: f.Destination, Err: err}
	}

	ctx, cancel := s.context()
	defer cancel()
	if _, err := s.store.UpdateNote(ctx, noteID, u.Title, u.Content); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("note %s not found", noteID)
		}
		return fmt.Errorf("persist note %s: %w", noteID, err)
	}

	u.UserID = userID
	s.logger.Debug().Str("note_id", noteID).Str("user_id", userID).Msg("content update")
	return s.hub.Publish(types.ContentTopic(noteID), u)
}

func (s *Service) handlePresence(clientID string, f types.Frame) error {
	noteID, userID, err := s.sender(clientID, f)
	if err != nil {
		return err
	}
	var ev types.PresenceEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		return &types.MalformedMessageError{Destination: f.Destination, Err: err}
	}

	ctx, cancel := s.context()
	defer cancel()
	if ev.Joining {
		if _, err := s.viewers.Join(ctx, noteID, userID, clientID); err != nil {
			return err
		}
		return s.announce(ctx, noteID, userID, true)
	}

	last, err := s.viewers.Leave(ctx, noteID, userID, clientID)
	if err != nil {
		return err
	}
	if !last {
		// Still present through another connection.
		return nil
	}
	return s.announce(ctx, noteID, userID, false)
}

// announce broadcasts a presence event with the user's email as name.
func (s *Service) announce(ctx context.Context, noteID, userID string, joining bool) error {
	ev := types.PresenceEvent{UserID: userID, Joining: joining}
	if info, err := s.store.GetUser(ctx, userID); err == nil {
		ev.UserName = info.Email
	}
	s.logger.Info().Str("note_id", noteID).Str("user_id", userID).Bool("joining", joining).Msg("presence")
	return s.hub.Publish(types.PresenceTopic(noteID), ev)
}

func (s *Service) handleTyping(clientID string, f types.Frame) error {
	noteID, userID, err := s.sender(clientID, f)
	if err != nil {
		return err
	}
	var ev types.TypingEvent
	if err := json.Unmarshal(f.Body, &ev); err != nil {
		return &types.MalformedMessageError{Destination: f.Destination, Err: err}
	}
	ev.UserID = userID
	return s.hub.Publish(types.TypingTopic(noteID), ev)
}

// handleState replies to the requester with a snapshot. A requester
// not yet viewing the note is added and announced.
func (s *Service) handleState(clientID string, f types.Frame) error {
	noteID, userID, err := s.sender(clientID, f)
	if err != nil {
		return err
	}

	ctx, cancel := s.context()
	defer cancel()
	snap, err := s.Snapshot(ctx, noteID)
	if err != nil {
		return err
	}
	if !s.hub.SendToClient(clientID, types.StateQueue(noteID), snap) {
		s.logger.Warn().Str("client_id", clientID).Str("note_id", noteID).Msg("state reply not delivered")
	}

	viewing, err := s.viewers.Viewing(ctx, noteID, userID)
	if err != nil || viewing {
		return err
	}
	if _, err := s.viewers.Join(ctx, noteID, userID, clientID); err != nil {
		return err
	}
	return s.announce(ctx, noteID, userID, true)
}

// Snapshot builds the authoritative state of a note.
func (s *Service) Snapshot(ctx context.Context, noteID string) (types.StateSnapshot, error) {
	n, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.StateSnapshot{}, fmt.Errorf("note %s not found", noteID)
		}
		return types.StateSnapshot{}, err
	}
	ids, err := s.viewers.Users(ctx, noteID)
	if err != nil {
		return types.StateSnapshot{}, err
	}

	active := s.userSet(ctx, ids)
	collaborators := s.userSet(ctx, n.CollaboratorIDs)
	return types.StateSnapshot{
		NoteID:        noteID,
		Title:         &n.Title,
		Content:       &n.Content,
		ActiveUsers:   &active,
		Collaborators: &collaborators,
	}, nil
}

// BroadcastState publishes a snapshot to every subscriber of the note's
// state topic, e.g. after its collaborator list changed.
func (s *Service) BroadcastState(ctx context.Context, noteID string) error {
	snap, err := s.Snapshot(ctx, noteID)
	if err != nil {
		return err
	}
	return s.hub.Publish(types.StateTopic(noteID), snap)
}

func (s *Service) userSet(ctx context.Context, ids []string) types.UserSet {
	set := make(types.UserSet, len(ids))
	for _, id := range ids {
		info, err := s.store.GetUser(ctx, id)
		if err != nil {
			// Unknown identities are still listed; clients fall back
			// to a placeholder label.
			info = types.UserInfo{}
		}
		info.UserID = id
		set[id] = info
	}
	return set
}

// dropClient removes a disconnected client's views and announces the
// users that left as a result.
func (s *Service) dropClient(clientID string) {
	ctx, cancel := s.context()
	defer cancel()
	gone, err := s.viewers.DropClient(ctx, clientID)
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("drop viewers")
	}
	for _, d := range gone {
		if err := s.announce(ctx, d.NoteID, d.UserID, false); err != nil {
			s.logger.Error().Err(err).Str("note_id", d.NoteID).Msg("leave broadcast")
		}
	}
}
