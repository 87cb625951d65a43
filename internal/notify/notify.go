// Package notify surfaces operator-facing notifications: queue sync results,
// emergency mode changes, held-open alarms and failed backend calls.
// Notifications are fire-and-forget; a failing sink never fails the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Level describes the urgency of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelSuccess  Level = "success"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notification is a single message to an operator.
type Notification struct {
	Level   Level
	Title   string
	Message string
	Source  string // subsystem that raised it
	Error   error  // underlying error, if any
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MultiNotifier fans out to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

// Notify calls every notifier and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	ev := l.logger.Info()
	switch n.Level {
	case LevelWarning:
		ev = l.logger.Warn()
	case LevelCritical:
		ev = l.logger.Error()
	}
	ev.Str("level", string(n.Level)).
		Str("title", n.Title).
		Str("source", n.Source).
		AnErr("cause", n.Error).
		Msg(n.Message)
	return nil
}

// SlackAPI is the minimal Slack API surface needed for notifications.
type SlackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notifications at or above MinLevel to a channel.
type SlackNotifier struct {
	api      SlackAPI
	channel  string
	minLevel Level
	logger   zerolog.Logger
}

// NewSlackNotifier creates a notifier posting to channel. Notifications below
// minLevel are dropped; an empty minLevel posts everything.
func NewSlackNotifier(api SlackAPI, channel string, minLevel Level, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		api:      api,
		channel:  channel,
		minLevel: minLevel,
		logger:   logger.With().Str("component", "notify.slack").Logger(),
	}
}

func (s *SlackNotifier) Notify(_ context.Context, n Notification) error {
	if rank(n.Level) < rank(s.minLevel) {
		return nil
	}
	_, ts, err := s.api.PostMessage(s.channel,
		slack.MsgOptionText(fallbackText(n), false),
		slack.MsgOptionBlocks(buildBlocks(n)...),
	)
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	s.logger.Debug().Str("channel", s.channel).Str("ts", ts).Str("title", n.Title).Msg("Notification posted")
	return nil
}

func buildBlocks(n Notification) []slack.Block {
	header := fmt.Sprintf("%s *%s*", levelEmoji(n.Level), n.Title)
	body := n.Message
	if n.Error != nil {
		body += fmt.Sprintf("\n```%v```", n.Error)
	}
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", header+"\n"+body, false, false), nil, nil),
	}
	if n.Source != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", "Source: "+n.Source, false, false)))
	}
	return blocks
}

func fallbackText(n Notification) string {
	return fmt.Sprintf("[%s] %s: %s", n.Level, n.Title, n.Message)
}

func rank(l Level) int {
	switch l {
	case LevelCritical:
		return 3
	case LevelWarning:
		return 2
	case LevelSuccess:
		return 1
	default:
		return 0
	}
}

func levelEmoji(l Level) string {
	switch l {
	case LevelCritical:
		return "🚨"
	case LevelWarning:
		return "⚠️"
	case LevelSuccess:
		return "✅"
	default:
		return "ℹ️"
	}
}

// Recorder keeps every notification in memory. Used by tests and by the
// management API's recent-notifications view.
type Recorder struct {
	mu    sync.Mutex
	max   int
	items []Notification
}

// NewRecorder keeps at most max notifications; zero keeps everything.
func NewRecorder(max int) *Recorder {
	return &Recorder{max: max}
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if r.max > 0 && len(r.items) > r.max {
		r.items = r.items[len(r.items)-r.max:]
	}
	return nil
}

// All returns a copy of the recorded notifications, oldest first.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.items))
	copy(out, r.items)
	return out
}

// Last returns the newest notification.
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return Notification{}, false
	}
	return r.items[len(r.items)-1], true
}

// Count returns how many recorded notifications have the given level.
func (r *Recorder) Count(level Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := 0
	for _, n := range r.items {
		if n.Level == level {
			c++
		}
	}
	return c
}
