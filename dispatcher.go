package openswe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// IssueEvent is a source-control webhook delivery the dispatcher reacts to:
// an issue labeled with a trigger label, or a comment on an issue the agent
// is already working.
type IssueEvent struct {
	Action     string     `json:"action"` // "labeled", "created" (comment)
	Label      string     `json:"label,omitempty"`
	Repository Repository `json:"repository"`
	IssueID    int        `json:"issue_id"`
	Comment    string     `json:"comment,omitempty"`
	Sender     string     `json:"sender,omitempty"`
}

// Dispatcher maps incoming host events to Manager runs and owns the crash
// recovery sweep at startup. One thread exists per (repo, issue) pair for the
// lifetime of the issue.
type Dispatcher struct {
	runtime *Runtime
	store   ThreadStore
	cfg     Config
	logger  *slog.Logger

	// threadKeys maps "<owner>/<repo>#<issue>" to the manager thread id, so
	// repeated events on one issue land on the same thread. Rebuilt from the
	// store on startup.
	mu         sync.Mutex
	threadKeys map[string]string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// DispatcherLogger sets the structured logger.
func DispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher over the runtime's thread store.
func NewDispatcher(runtime *Runtime, store ThreadStore, cfg Config, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		runtime:    runtime,
		store:      store,
		cfg:        cfg,
		logger:     nopLogger,
		threadKeys: make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func issueKey(repo Repository, issueID int) string {
	return fmt.Sprintf("%s#%d", repo.Slug(), issueID)
}

// Recover fails runs orphaned by a crash and rebuilds the issue-to-thread
// index. Call once at startup before accepting events; a thread that was busy
// when the process died cannot be resumed because its in-memory position is
// gone.
func (d *Dispatcher) Recover(ctx context.Context) error {
	orphaned, err := d.store.ListByStatus(ctx, StatusBusy)
	if err != nil {
		return err
	}
	for _, t := range orphaned {
		if _, err := d.store.UpdateThread(ctx, t.ID, t.Version, t.State, StatusError, nil); err != nil {
			d.logger.Error("orphaned run not failed", "thread", t.ID, "error", err)
			continue
		}
		d.logger.Warn("orphaned run failed on startup", "thread", t.ID, "graph", t.GraphID)
	}

	for _, status := range []RunStatus{StatusIdle, StatusInterrupted, StatusError, StatusCancelled} {
		threads, err := d.store.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		d.mu.Lock()
		for _, t := range threads {
			if t.GraphID == GraphManager && t.State.GithubIssueID != 0 {
				d.threadKeys[issueKey(t.State.TargetRepository, t.State.GithubIssueID)] = t.ID
			}
		}
		d.mu.Unlock()
	}
	return nil
}

// triggerOptions decodes the trigger label variants: the -auto suffix
// auto-accepts the proposed plan, -max selects the larger model chain.
type triggerOptions struct {
	AutoAccept bool
	MaxModels  bool
}

// matchTriggerLabel reports whether label is one of the configured trigger
// labels, and which options it carries.
func (d *Dispatcher) matchTriggerLabel(label string) (triggerOptions, bool) {
	for _, candidate := range d.cfg.TriggerLabels() {
		if label != candidate {
			continue
		}
		name := strings.TrimSuffix(candidate, "-dev")
		return triggerOptions{
			AutoAccept: strings.HasSuffix(name, "-auto"),
			MaxModels:  strings.Contains(name, "-max"),
		}, true
	}
	return triggerOptions{}, false
}

// HandleIssueEvent routes one webhook delivery. Label events with a trigger
// label start (or restart) the manager for the issue; comment events on a
// known issue feed the comment to the manager as a followup. Everything else
// is ignored.
func (d *Dispatcher) HandleIssueEvent(ctx context.Context, ev IssueEvent) (Session, bool) {
	switch ev.Action {
	case "labeled":
		opts, ok := d.matchTriggerLabel(ev.Label)
		if !ok {
			return Session{}, false
		}
		return d.startManager(ev, opts), true
	case "created":
		if ev.Comment == "" || strings.HasPrefix(ev.Comment, "🤖") {
			return Session{}, false
		}
		d.mu.Lock()
		threadID, known := d.threadKeys[issueKey(ev.Repository, ev.IssueID)]
		d.mu.Unlock()
		if !known {
			return Session{}, false
		}
		msg := HumanMessage(ev.Comment).WithKwarg("requestSource", SourceIssueWebhook)
		session := d.runtime.StartRun(GraphManager, threadID, "", &StateUpdate{
			Messages:         []Message{msg},
			InternalMessages: []Message{msg},
		})
		d.logger.Info("followup dispatched", "issue", ev.IssueID, "thread", threadID)
		return session, true
	default:
		return Session{}, false
	}
}

// startManager launches the manager graph for a freshly labeled issue,
// reusing the issue's existing thread when the label is re-applied.
func (d *Dispatcher) startManager(ev IssueEvent, opts triggerOptions) Session {
	key := issueKey(ev.Repository, ev.IssueID)
	d.mu.Lock()
	threadID := d.threadKeys[key]
	d.mu.Unlock()
	session := d.runtime.StartRun(GraphManager, threadID, "", &StateUpdate{
		GithubIssueID:    ptr(ev.IssueID),
		TargetRepository: ptr(ev.Repository),
		AutoAcceptPlan:   ptr(opts.AutoAccept),
		MaxModels:        ptr(opts.MaxModels),
	})
	d.mu.Lock()
	d.threadKeys[key] = session.ThreadID
	d.mu.Unlock()
	d.logger.Info("manager dispatched", "issue", ev.IssueID, "thread", session.ThreadID, "auto_accept", opts.AutoAccept, "max", opts.MaxModels)
	return session
}

// ResumeThread forwards a human response to an interrupted thread.
func (d *Dispatcher) ResumeThread(ctx context.Context, threadID string, response json.RawMessage) (*Thread, error) {
	return d.runtime.Resume(ctx, threadID, response)
}
