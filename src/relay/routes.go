package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/orchestra-mcp/notesync/src/store"
	"github.com/orchestra-mcp/notesync/src/types"
)

const localUser = "user"

type noteBody struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// registerRoutes registers the REST API and the relay info routes.
func (s *Server) registerRoutes(app *fiber.App) {
	app.Get("/ws/info", s.handleInfo)

	api := app.Group("/api", s.requireUser)
	api.Get("/notes", s.listNotes)
	api.Post("/notes", s.createNote)
	api.Get("/notes/:id", s.getNote)
	api.Put("/notes/:id", s.updateNote)
	api.Delete("/notes/:id", s.deleteNote)
	api.Post("/notes/:id/collaborators/:uid", s.addCollaborator)
	api.Delete("/notes/:id/collaborators/:uid", s.removeCollaborator)
	api.Get("/users/me", s.me)
	api.Post("/users/lookup", s.lookupByEmail)
	api.Get("/users/lookup/:uid", s.lookupByID)
	api.Get("/ws/clients", s.listClients)
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func fail(c fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func (s *Server) requireUser(c fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return fail(c, fiber.StatusUnauthorized, "missing bearer token")
	}
	ctx, cancel := requestContext()
	defer cancel()
	info, err := s.identify(ctx, token)
	if err != nil {
		return fail(c, fiber.StatusUnauthorized, "invalid token")
	}
	c.Locals(localUser, info.UserID)
	return c.Next()
}

func userOf(c fiber.Ctx) string {
	id, _ := c.Locals(localUser).(string)
	return id
}

// accessibleNote loads a note the caller owns or collaborates on.
// Notes the caller cannot see are reported as missing.
func (s *Server) accessibleNote(ctx context.Context, c fiber.Ctx) (*types.Note, error) {
	n, err := s.store.GetNote(ctx, c.Params("id"))
	if err != nil {
		return nil, err
	}
	if !n.HasAccess(userOf(c)) {
		return nil, store.ErrNotFound
	}
	return n, nil
}

func (s *Server) storeError(c fiber.Ctx, err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fail(c, fiber.StatusNotFound, what+" not found")
	}
	s.logger.Error().Err(err).Str("path", c.Path()).Msg("store error")
	return fail(c, fiber.StatusInternalServerError, "internal error")
}

func (s *Server) listNotes(c fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()
	notes, err := s.store.ListNotes(ctx, userOf(c))
	if err != nil {
		return s.storeError(c, err, "notes")
	}
	if notes == nil {
		notes = []types.Note{}
	}
	return c.JSON(notes)
}

func (s *Server) createNote(c fiber.Ctx) error {
	var body noteBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	ctx, cancel := requestContext()
	defer cancel()
	n := &types.Note{Title: body.Title, Content: body.Content, OwnerID: userOf(c)}
	if err := s.store.CreateNote(ctx, n); err != nil {
		return s.storeError(c, err, "note")
	}
	return c.Status(fiber.StatusCreated).JSON(n)
}

func (s *Server) getNote(c fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()
	n, err := s.accessibleNote(ctx, c)
	if err != nil {
		return s.storeError(c, err, "note")
	}
	return c.JSON(n)
}

// updateNote persists a note. Realtime fan-out is the client's job on
// app.notes.{id}.update, so nothing is broadcast here.
func (s *Server) updateNote(c fiber.Ctx) error {
	var body noteBody
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	ctx, cancel := requestContext()
	defer cancel()
	if _, err := s.accessibleNote(ctx, c); err != nil {
		return s.storeError(c, err, "note")
	}
	n, err := s.store.UpdateNote(ctx, c.Params("id"), body.Title, body.Content)
	if err != nil {
		return s.storeError(c, err, "note")
	}
	return c.JSON(n)
}

func (s *Server) deleteNote(c fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()
	n, err := s.accessibleNote(ctx, c)
	if err != nil {
		return s.storeError(c, err, "note")
	}
	if n.OwnerID != userOf(c) {
		return fail(c, fiber.StatusForbidden, "only the owner can delete a note")
	}
	if err := s.store.DeleteNote(ctx, n.ID); err != nil {
		return s.storeError(c, err, "note")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) addCollaborator(c fiber.Ctx) error {
	return s.changeCollaborators(c, s.store.AddCollaborator)
}

func (s *Server) removeCollaborator(c fiber.Ctx) error {
	return s.changeCollaborators(c, s.store.RemoveCollaborator)
}

// changeCollaborators applies an owner-only collaborator change and
// pushes a fresh snapshot to the note's state topic.
func (s *Server) changeCollaborators(c fiber.Ctx, change func(context.Context, string, string) (*types.Note, error)) error {
	ctx, cancel := requestContext()
	defer cancel()
	n, err := s.accessibleNote(ctx, c)
	if err != nil {
		return s.storeError(c, err, "note")
	}
	if n.OwnerID != userOf(c) {
		return fail(c, fiber.StatusForbidden, "only the owner can change collaborators")
	}
	n, err = change(ctx, n.ID, c.Params("uid"))
	if err != nil {
		return s.storeError(c, err, "note")
	}
	if s.svc != nil {
		if err := s.svc.BroadcastState(ctx, n.ID); err != nil {
			s.logger.Warn().Err(err).Str("note_id", n.ID).Msg("state broadcast")
		}
	}
	return c.JSON(n)
}

func (s *Server) me(c fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()
	u, err := s.store.GetUser(ctx, userOf(c))
	if err != nil {
		return s.storeError(c, err, "user")
	}
	return c.JSON(u)
}

func (s *Server) lookupByEmail(c fiber.Ctx) error {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil || req.Email == "" {
		return fail(c, fiber.StatusBadRequest, "email required")
	}
	ctx, cancel := requestContext()
	defer cancel()
	u, err := s.store.FindUserByEmail(ctx, req.Email)
	if err != nil {
		return s.storeError(c, err, "user")
	}
	return c.JSON(u)
}

func (s *Server) lookupByID(c fiber.Ctx) error {
	ctx, cancel := requestContext()
	defer cancel()
	u, err := s.store.GetUser(ctx, c.Params("uid"))
	if err != nil {
		return s.storeError(c, err, "user")
	}
	return c.JSON(u)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket":    true,
		"endpoint":     "/ws",
		"clients":      s.hub.ClientCount(),
		"destinations": len(s.hub.Destinations()),
		"bridge":       s.bridge != nil && s.bridge.Available(),
	})
}

// listClients reports connected clients and their destinations.
func (s *Server) listClients(c fiber.Ctx) error {
	ids := s.hub.ConnectedClients()
	infos := make([]types.ClientInfo, 0, len(ids))
	for _, id := range ids {
		if info := s.hub.ClientInfo(id); info != nil {
			infos = append(infos, *info)
		}
	}
	return c.JSON(fiber.Map{
		"clients":      infos,
		"count":        len(infos),
		"destinations": s.hub.Destinations(),
	})
}
