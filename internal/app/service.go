package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"scenesync/api/internal/auth"
	"scenesync/api/internal/broadcast"
	"scenesync/api/internal/config"
	"scenesync/api/internal/presence"
	"scenesync/api/internal/store"
	"scenesync/api/internal/sync"
	"scenesync/api/internal/util"
)

// Session is the verified identity attached to every request.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, id, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	CreateProject(ctx context.Context, project store.Project) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	AddProjectMember(ctx context.Context, projectID, userID, role string) error
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)
	ReadEntries(ctx context.Context, projectID, dataType, dataKey string) ([]store.DataEntry, error)
	WriteEntry(ctx context.Context, projectID, dataType, dataKey string, payload json.RawMessage, expectedVersion *int64, updatedBy string) (store.WriteResult, error)
	Ping(ctx context.Context) error
}

type presenceRegistry interface {
	Join(ctx context.Context, userID, projectID, displayName string, opts presence.UpdateOptions) error
	Update(ctx context.Context, userID, projectID string, opts presence.UpdateOptions) (bool, error)
	Leave(ctx context.Context, userID, projectID string) error
	ListActive(ctx context.Context, projectID string, now time.Time) ([]presence.Session, error)
	Ping(ctx context.Context) error
}

type broadcaster interface {
	Publish(ctx context.Context, projectID string, event broadcast.Event)
	Subscribe(ctx context.Context, projectID string, handler func(broadcast.Event)) (*broadcast.Subscription, error)
}

// Service owns the collaborators and gates every operation on a verified
// token plus project membership. It is constructed once in main and injected
// into the HTTP layer; no ambient globals.
type Service struct {
	cfg      config.Config
	store    dataStore
	presence presenceRegistry
	channel  broadcaster
}

func New(cfg config.Config, dataStore dataStore, reg presenceRegistry, channel broadcaster) *Service {
	return &Service{cfg: cfg, store: dataStore, presence: reg, channel: channel}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PresencePing(ctx context.Context) error {
	return s.presence.Ping(ctx)
}

// Login resolves a display name to a user (creating one on first sight) and
// issues an access token. Real credential issuance lives with the external
// auth collaborator; this is the development stand-in for it.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	user, err := s.store.EnsureUserByName(ctx, util.NewID("usr"), name)
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) CreateProject(ctx context.Context, session Session, name string) (store.Project, error) {
	project := store.Project{
		ID:        util.NewID("prj"),
		Name:      name,
		CreatedBy: session.UserID,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, project.ID)
}

func (s *Service) AddProjectMember(ctx context.Context, session Session, projectID, userID string) error {
	if err := s.requireProjectAccess(ctx, session, projectID); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		return err
	}
	return s.store.AddProjectMember(ctx, projectID, userID, "editor")
}

// requireProjectAccess enforces the two external checks every core operation
// needs: the project exists and the caller is a member.
func (s *Service) requireProjectAccess(ctx context.Context, session Session, projectID string) error {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Project not found", nil)
		}
		return err
	}
	member, err := s.store.IsProjectMember(ctx, projectID, session.UserID)
	if err != nil {
		return err
	}
	if !member {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this project", nil)
	}
	return nil
}

func (s *Service) ReadProjectData(ctx context.Context, session Session, projectID, dataType, dataKey string) ([]store.DataEntry, error) {
	if err := s.requireProjectAccess(ctx, session, projectID); err != nil {
		return nil, err
	}
	return s.store.ReadEntries(ctx, projectID, dataType, dataKey)
}

// WriteProjectData persists one entry and, for scene entries, notifies
// subscribers with the freshly written object list. The notification is best
// effort and never affects the write's outcome.
func (s *Service) WriteProjectData(ctx context.Context, session Session, projectID, dataType, dataKey string, payload json.RawMessage, expectedVersion *int64) (store.WriteResult, error) {
	if err := s.requireProjectAccess(ctx, session, projectID); err != nil {
		return store.WriteResult{}, err
	}
	if !store.ValidKeyPart(dataType) || !store.ValidKeyPart(dataKey) {
		return store.WriteResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dataType and dataKey are required", nil)
	}
	if len(payload) == 0 {
		return store.WriteResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "payload is required", nil)
	}

	result, err := s.store.WriteEntry(ctx, projectID, dataType, dataKey, payload, expectedVersion, session.UserID)
	if err != nil {
		return store.WriteResult{}, err
	}

	if dataType == sync.SceneDataType {
		s.channel.Publish(ctx, projectID, broadcast.Event{
			Type:    broadcast.EventSceneSync,
			UserID:  session.UserID,
			Payload: payload,
		})
	}
	return result, nil
}

func (s *Service) ListPresence(ctx context.Context, session Session, projectID string) ([]presence.Session, error) {
	if err := s.requireProjectAccess(ctx, session, projectID); err != nil {
		return nil, err
	}
	return s.presence.ListActive(ctx, projectID, time.Now())
}
