package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/bus"
	"github.com/matheus3301/todosync/internal/status"
	"github.com/matheus3301/todosync/internal/store"
	intsync "github.com/matheus3301/todosync/internal/sync"
	"github.com/matheus3301/todosync/internal/tasks"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is what the control service drives.
type Engine interface {
	Snapshot() (intsync.View, error)
	RefreshChats(ctx context.Context) error
	SelectChat(ctx context.Context, chatID int64) error
	CloseChat() error
	StartDraft(d store.DraftChat) error
	SendMessage(ctx context.Context, content string) error
	CreateGroup(ctx context.Context, name string, memberIDs []int64) (store.Chat, error)
	SearchUsers(ctx context.Context, term string) ([]store.User, error)
	BeginCompletion(taskID int64) error
	ConfirmCompletion(ctx context.Context, note string) error
	CancelCompletion() error
	SetFilter(f tasks.Filter) error
}

// DefaultWatch is the set of event namespaces streamed when a watcher names
// none.
var DefaultWatch = []string{"transport.", "view.", "notify.", "session."}

// Service implements ControlServer on top of the sync engine.
type Service struct {
	sessionName string
	startedAt   time.Time
	engine      Engine
	machine     *status.Machine
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewService creates the control service of a session.
func NewService(sessionName string, engine Engine, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		engine:      engine,
		machine:     machine,
		bus:         b,
		logger:      logger,
	}
}

var _ ControlServer = (*Service)(nil)

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	v, err := s.engine.Snapshot()
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"session":    s.sessionName,
		"state":      string(s.machine.Current()),
		"connected":  v.Connected,
		"uptime_ms":  time.Since(s.startedAt).Milliseconds(),
		"local_user": userDoc(v.LocalUser),
		"chat_count": len(v.Chats),
		"selection":  string(v.Selection),
	})
}

// snapshot answers with the current view.
func (s *Service) snapshot(extra map[string]any) (*structpb.Struct, error) {
	v, err := s.engine.Snapshot()
	if err != nil {
		return nil, toStatus(err)
	}
	doc := viewDoc(v)
	for k, val := range extra {
		doc[k] = val
	}
	return toStruct(doc)
}

func (s *Service) Snapshot(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return s.snapshot(nil)
}

func (s *Service) RefreshChats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.RefreshChats(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

// SelectChat opens a chat. Facet failures do not fail the call; they are
// reported in the view and as warnings.
func (s *Service) SelectChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := intArg(in, "chat_id")
	if err != nil {
		return nil, invalid(err)
	}
	err = s.engine.SelectChat(ctx, id)
	if errors.Is(err, apperr.StaleSelection) {
		return nil, toStatus(err)
	}
	var extra map[string]any
	if err != nil {
		extra = map[string]any{"warning": err.Error()}
	}
	return s.snapshot(extra)
}

func (s *Service) CloseChat(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.CloseChat(); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

func (s *Service) StartDraft(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := intArg(in, "user_id")
	if err != nil {
		return nil, invalid(err)
	}
	d := store.DraftChat{
		UserID:   id,
		Username: stringArg(in, "username"),
		FullName: stringArg(in, "full_name"),
	}
	if err := s.engine.StartDraft(d); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.SendMessage(ctx, stringArg(in, "content")); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

func (s *Service) CreateGroup(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	members, err := intListArg(in, "member_ids")
	if err != nil {
		return nil, invalid(err)
	}
	c, err := s.engine.CreateGroup(ctx, stringArg(in, "name"), members)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(map[string]any{"created_chat_id": c.ID})
}

func (s *Service) SearchUsers(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	users, err := s.engine.SearchUsers(ctx, stringArg(in, "term"))
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(users))
	for _, u := range users {
		list = append(list, userDoc(u))
	}
	return toStruct(map[string]any{"users": list})
}

func (s *Service) BeginCompletion(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := intArg(in, "task_id")
	if err != nil {
		return nil, invalid(err)
	}
	if err := s.engine.BeginCompletion(id); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

func (s *Service) ConfirmCompletion(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.ConfirmCompletion(ctx, stringArg(in, "note")); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

func (s *Service) CancelCompletion(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.CancelCompletion(); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

func (s *Service) SetFilter(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.SetFilter(tasks.Filter(stringArg(in, "filter"))); err != nil {
		return nil, toStatus(err)
	}
	return s.snapshot(nil)
}

// Watch streams bus events as envelopes until the client goes away.
func (s *Service) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	namespaces := stringListArg(in, "namespaces")
	if len(namespaces) == 0 {
		namespaces = DefaultWatch
	}

	events := make(chan bus.Event, 256)
	for _, ns := range namespaces {
		ch, unsub := s.bus.Subscribe(ns, 256)
		defer unsub()
		go func() {
			for {
				select {
				case evt := <-ch:
					select {
					case events <- evt:
					case <-stream.Context().Done():
						return
					}
				case <-stream.Context().Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case evt := <-events:
			payload, err := payloadValue(evt.Payload)
			if err != nil {
				s.logger.Warn("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				payload = structpb.NewNullValue()
			}
			env, err := toStruct(map[string]any{
				"event_id":            uuid.New().String(),
				"session":             s.sessionName,
				"kind":                evt.Kind,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
				"payload_version":     1,
			})
			if err != nil {
				return toStatus(err)
			}
			env.Fields["payload"] = payload
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
