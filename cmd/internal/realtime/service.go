package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ServiceConfig configures NewService. Zero values pick the defaults.
type ServiceConfig struct {
	PresenceDebounce time.Duration // < 0 announces synchronously
	Policy           UnreadPolicy
	Recipients       RecipientChecker
	MaxMessageChars  int
	Metrics          *Metrics
	Now              func() time.Time
}

// Service wires the realtime components around one message store and one unread store.
type Service struct {
	Directory *Directory
	Presence  *Presence
	Ledger    *Ledger
	Router    *Router
	History   *Paginator
	Metrics   *Metrics

	messages MessageStore
}

// NewService constructs and wires the realtime core.
func NewService(log *slog.Logger, messages MessageStore, unread UnreadStore, cfg ServiceConfig) (*Service, error) {
	if messages == nil || unread == nil {
		return nil, errors.New("realtime: service requires message and unread stores")
	}
	if log == nil {
		log = slog.Default()
	}

	debounce := cfg.PresenceDebounce
	switch {
	case debounce == 0:
		debounce = presenceDebounce
	case debounce < 0:
		debounce = 0
	}

	dir := NewDirectory(log)
	pres := NewPresence(log, dir, debounce, cfg.Metrics)
	ledger := NewLedger(unread)

	router, err := NewRouter(log, messages, ledger, dir,
		WithUnreadPolicy(cfg.Policy),
		WithRecipientChecker(cfg.Recipients),
		WithMaxMessageChars(cfg.MaxMessageChars),
		WithRouterMetrics(cfg.Metrics),
		WithRouterClock(cfg.Now),
	)
	if err != nil {
		return nil, err
	}

	return &Service{
		Directory: dir,
		Presence:  pres,
		Ledger:    ledger,
		Router:    router,
		History:   NewPaginator(messages, cfg.Metrics),
		Metrics:   cfg.Metrics,
		messages:  messages,
	}, nil
}

// ListConversations returns userID's threads, most recent first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	out, err := s.messages.ListConversations(ctx, userID)
	if err != nil {
		return nil, persistenceFailure("realtime.Service.ListConversations", err)
	}
	if out == nil {
		out = []ConversationSummary{}
	}
	return out, nil
}

// Close stops pending presence work. Stores are owned and closed by the caller.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.Presence.Close()
}
