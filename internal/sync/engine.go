// Package sync is the synchronization engine: it keeps the session's view of
// chats, messages and tasks consistent with the server's event stream and
// serves the user's intents.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/matheus3301/todosync/internal/apperr"
	"github.com/matheus3301/todosync/internal/bus"
	"github.com/matheus3301/todosync/internal/loop"
	"github.com/matheus3301/todosync/internal/notify"
	"github.com/matheus3301/todosync/internal/rest"
	"github.com/matheus3301/todosync/internal/store"
	"github.com/matheus3301/todosync/internal/tasks"
	"github.com/matheus3301/todosync/internal/transport"
	"go.uber.org/zap"
)

// API is the request/response surface the engine consumes.
type API interface {
	Me(ctx context.Context) (store.User, error)
	ListChats(ctx context.Context) ([]store.Chat, error)
	GetChat(ctx context.Context, id int64) (*store.Chat, error)
	CreatePrivateChat(ctx context.Context, otherUserID int64) (store.Chat, error)
	CreateGroupChat(ctx context.Context, name string, memberIDs []int64) (store.Chat, error)
	ListMessages(ctx context.Context, chatID int64, page, size int) ([]store.Message, error)
	ListTasks(ctx context.Context, chatID int64) ([]store.Task, error)
	SearchUsers(ctx context.Context, term string) ([]store.User, error)
	tasks.Writer
}

// Channel is the persistent publish/subscribe channel.
type Channel interface {
	Subscribe(topic string, h transport.Handler) func()
	Publish(destination string, payload any) error
	Connected() bool
}

// Options tunes the engine.
type Options struct {
	PageSize     int
	SubscribeAll bool
	NoticeTTL    time.Duration
}

// Engine is the chat synchronizer. Every mutation of the session and the
// cache runs on the loop; the exported operations may be called from any
// goroutine except the loop's own.
type Engine struct {
	loop   *loop.Loop
	db     *store.DB
	api    API
	codec  rest.Codec
	ch     Channel
	tasks  *tasks.Machine
	gate   *notify.Gate
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	now    func() time.Time

	sess *Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewEngine wires an engine. The loop must be running before any operation
// is called.
func NewEngine(l *loop.Loop, db *store.DB, api API, codec rest.Codec, ch Channel, gate *notify.Gate, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.NoticeTTL <= 0 {
		opts.NoticeTTL = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		loop:   l,
		db:     db,
		api:    api,
		codec:  codec,
		ch:     ch,
		tasks:  tasks.NewMachine(l, db, api, logger.Named("tasks")),
		gate:   gate,
		bus:    b,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		sess:   newSession(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start follows transport and session events and loads the signed-in user
// and their chats. A failed bootstrap is retried on the next connect.
func (e *Engine) Start(ctx context.Context) error {
	transportEvents, unsubTransport := e.bus.Subscribe(bus.KindTransportConnected, 16)
	sessionEvents, unsubSession := e.bus.Subscribe("session.", 16)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubTransport()
		defer unsubSession()
		for {
			select {
			case <-transportEvents:
				e.handleReconnect()
			case evt := <-sessionEvents:
				if evt.Kind == bus.KindSessionInvalidated {
					e.handleInvalidation()
				}
			case <-e.ctx.Done():
				return
			}
		}
	}()

	return e.Bootstrap(ctx)
}

// Stop cancels background work and waits for it.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// Bootstrap resolves the local user and loads the chat list.
func (e *Engine) Bootstrap(ctx context.Context) error {
	me, err := e.api.Me(ctx)
	if err != nil {
		return fmt.Errorf("resolve local user: %w", err)
	}
	if err := e.do(func() { e.sess.LocalUser = me }); err != nil {
		return err
	}
	e.logger.Info("signed in", zap.Int64("user_id", me.ID), zap.String("username", me.Username))
	return e.RefreshChats(ctx)
}

// do runs fn on the loop and waits.
func (e *Engine) do(fn func()) error {
	return e.loop.Do(fn)
}

// post queues fn on the loop without waiting. Used by transport handlers.
func (e *Engine) post(fn func()) {
	if err := e.loop.Post(fn); err != nil && !errors.Is(err, loop.ErrStopped) {
		e.logger.Warn("dropped inbound event", zap.Error(err))
	}
}

// background runs fn on its own goroutine with the engine's lifetime.
func (e *Engine) background(name string, fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// noticeLocked shows err to the user unless it is one that is never
// surfaced. Must run on the loop.
func (e *Engine) noticeLocked(err error) {
	if err == nil || apperr.Silent(err) {
		return
	}
	text := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		text = ae.Message
	}
	e.sess.Notice = Notice{Text: text, Expires: e.now().Add(e.opts.NoticeTTL)}
}

func (e *Engine) notice(err error) {
	if err == nil || apperr.Silent(err) {
		return
	}
	_ = e.do(func() {
		e.noticeLocked(err)
		e.emitView()
	})
}

// emitView announces that the snapshot changed. Must run on the loop.
func (e *Engine) emitView() {
	e.bus.Emit(bus.KindViewUpdated, e.sess.gen)
}

func (e *Engine) handleReconnect() {
	var (
		bootstrapped bool
		chatID       int64
		gen          uint64
	)
	if err := e.do(func() {
		bootstrapped = e.sess.LocalUser.ID != 0
		chatID = e.sess.openChat()
		gen = e.sess.gen
	}); err != nil {
		return
	}
	if !bootstrapped {
		e.background("bootstrap", e.Bootstrap)
		return
	}
	e.background("refresh chats", e.RefreshChats)
	if chatID != 0 {
		e.background("refill timeline", func(ctx context.Context) error {
			return e.refill(ctx, gen, chatID)
		})
	}
}

// refill merges the open chat's first page again after an outage, closing
// any gap left while the channel was down.
func (e *Engine) refill(ctx context.Context, gen uint64, chatID int64) error {
	msgs, err := e.api.ListMessages(ctx, chatID, 0, e.opts.PageSize)
	if err != nil {
		return err
	}
	return e.do(func() {
		if !e.sess.current(gen, chatID) {
			return
		}
		for _, m := range msgs {
			if _, err := e.db.MergeMessage(m); err != nil {
				e.logger.Warn("merge refilled message", zap.Int64("message", m.ID), zap.Error(err))
				continue
			}
			e.sess.Timeline.Insert(m)
		}
		e.emitView()
	})
}

func (e *Engine) handleInvalidation() {
	_ = e.do(func() {
		for _, unsubs := range e.sess.subscribed {
			for _, unsub := range unsubs {
				// Unsubscribing waits for the server.
				go unsub()
			}
		}
		e.tasks.Reset()
		if err := e.db.Reset(); err != nil {
			e.logger.Error("reset cache", zap.Error(err))
		}
		e.sess = newSession()
		e.sess.Notice = Notice{Text: "session expired, sign in again", Expires: e.now().Add(e.opts.NoticeTTL)}
		e.logger.Warn("session reset after invalidation")
		e.emitView()
	})
}
