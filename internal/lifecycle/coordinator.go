package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabd/internal/clients"
	"collabd/internal/database"
	"collabd/internal/document"
	"collabd/internal/session"
)

var (
	ErrMissingField      = errors.New("missing required field")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrDuplicateSession  = errors.New("duplicate session")
)

// Close reasons surfaced to connected clients.
const (
	ReasonEndedByUser = "User has ended session"
	ReasonExpired     = "Session has expired"
	ReasonShutdown    = "Server shutting down"
)

// SessionStore is the persistence surface the coordinator needs.
type SessionStore interface {
	Insert(ctx context.Context, rec *database.Record) error
	UpdateContent(ctx context.Context, sessionID, content string) error
	Finalize(ctx context.Context, sessionID, status, content string) error
	ListActive(ctx context.Context) ([]*database.Record, error)
}

// UserService is the identity-service surface the coordinator needs.
type UserService interface {
	CheckID(ctx context.Context, userID string) (*clients.Profile, error)
	AddCompletedQuestion(ctx context.Context, userID, questionID string) error
}

// QuestionService fetches seed templates from the question bank.
type QuestionService interface {
	Template(ctx context.Context, questionID, language string) (*clients.Template, error)
}

// Coordinator orchestrates session lifecycle: validated creation with
// document seeding, startup recovery, periodic persistence checkpoints,
// inactivity timeout and explicit termination.
type Coordinator struct {
	registry  *session.Registry
	store     SessionStore
	users     UserService
	questions QuestionService

	checkpointEvery time.Duration
	inactivityAfter time.Duration

	wg  sync.WaitGroup
	log *logrus.Entry
}

func NewCoordinator(registry *session.Registry, store SessionStore, users UserService, questions QuestionService, checkpointEvery, inactivityAfter time.Duration) *Coordinator {
	return &Coordinator{
		registry:        registry,
		store:           store,
		users:           users,
		questions:       questions,
		checkpointEvery: checkpointEvery,
		inactivityAfter: inactivityAfter,
		log:             logrus.WithField("component", "lifecycle"),
	}
}

// CreateRequest carries the creation parameters. All fields are required.
type CreateRequest struct {
	SessionID  string
	User1      string
	User2      string
	QuestionID string
	Language   string
}

// Create validates both participants and the question template, persists
// the initial record, seeds the shared document and registers the session
// as Active with armed timers. Nothing is registered or persisted if any
// validation fails; a duplicate session id is reported distinctly.
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) error {
	if req.SessionID == "" || req.User1 == "" || req.User2 == "" || req.QuestionID == "" || req.Language == "" {
		return ErrMissingField
	}

	var (
		wg               sync.WaitGroup
		profA, profB     *clients.Profile
		tmpl             *clients.Template
		errA, errB, errT error
	)
	wg.Add(3)
	go func() { defer wg.Done(); profA, errA = c.users.CheckID(ctx, req.User1) }()
	go func() { defer wg.Done(); profB, errB = c.users.CheckID(ctx, req.User2) }()
	go func() { defer wg.Done(); tmpl, errT = c.questions.Template(ctx, req.QuestionID, req.Language) }()
	wg.Wait()

	for _, err := range []error{errA, errB, errT} {
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
		}
	}
	seed, ok := seedContent(tmpl.Definitions, tmpl.Signature, req.Language)
	if !ok {
		return fmt.Errorf("%w: unsupported language %q", ErrInvalidParameters, req.Language)
	}

	start := time.Now().UTC()
	rec := &database.Record{
		SessionID:  req.SessionID,
		UserA:      req.User1,
		UserB:      req.User2,
		Language:   req.Language,
		QuestionID: req.QuestionID,
		Status:     string(session.StatusActive),
		StartTime:  start,
		Content:    seed,
		UpdatedAt:  start,
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, database.ErrDuplicateSession) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("failed to persist session: %w", err)
	}

	doc, err := document.NewSeeded(seed)
	if err != nil {
		// The record is already durable; park it as Inactive so recovery
		// does not resurrect a session that never went live.
		if ferr := c.store.Finalize(ctx, req.SessionID, string(session.StatusInactive), seed); ferr != nil {
			c.log.WithError(ferr).WithField("session_id", req.SessionID).Error("failed to park broken session record")
		}
		return fmt.Errorf("failed to seed document: %w", err)
	}

	sess := session.New(req.SessionID, req.User1, req.User2, req.Language, req.QuestionID, start, doc)
	sess.SetDisplayName(req.User1, profA.Username)
	sess.SetDisplayName(req.User2, profB.Username)
	c.registry.Put(sess)
	c.watch(sess)

	c.log.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"user_a":     req.User1,
		"user_b":     req.User2,
		"language":   req.Language,
	}).Info("session created")
	return nil
}

// Recover reconstructs every persisted Active session at startup. A
// record that fails reconstruction is logged and skipped rather than
// crashing the process.
func (c *Coordinator) Recover(ctx context.Context) error {
	records, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}
	recovered := 0
	for _, rec := range records {
		doc, err := document.NewSeeded(rec.Content)
		if err != nil {
			c.log.WithError(err).WithField("session_id", rec.SessionID).Error("skipping unrecoverable session record")
			continue
		}
		sess := session.New(rec.SessionID, rec.UserA, rec.UserB, rec.Language, rec.QuestionID, rec.StartTime, doc)
		for _, userID := range []string{rec.UserA, rec.UserB} {
			if prof, err := c.users.CheckID(ctx, userID); err == nil {
				sess.SetDisplayName(userID, prof.Username)
			}
		}
		c.registry.Put(sess)
		c.watch(sess)
		recovered++
	}
	c.log.WithField("count", recovered).Info("recovered active sessions")
	return nil
}

// Terminate ends a session on behalf of one of its participants. The
// completed-item notifications and the final persistence write are all
// attempted even if one fails; any failure surfaces as a generic error.
func (c *Coordinator) Terminate(ctx context.Context, userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return ErrMissingField
	}
	sess, ok := c.registry.Get(sessionID)
	if !ok || !sess.IsValidUser(userID) {
		return ErrInvalidParameters
	}
	return c.teardown(ctx, sess, ReasonEndedByUser)
}

// teardown runs the common termination path. Registry removal happens
// last, after End, so a racing second request either observes the
// Inactive status (rejected here) or absence (rejected in Terminate).
func (c *Coordinator) teardown(ctx context.Context, sess *session.Session, reason string) error {
	snapshot, err := sess.Snapshot()
	if err != nil {
		return ErrInvalidParameters
	}
	if !sess.End(reason) {
		return ErrInvalidParameters
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		record(c.users.AddCompletedQuestion(ctx, sess.UserA, sess.QuestionID))
	}()
	go func() {
		defer wg.Done()
		record(c.users.AddCompletedQuestion(ctx, sess.UserB, sess.QuestionID))
	}()
	go func() {
		defer wg.Done()
		record(c.store.Finalize(ctx, sess.ID, string(session.StatusInactive), snapshot))
	}()
	wg.Wait()

	c.registry.Remove(sess.ID)

	if len(errs) > 0 {
		for _, err := range errs {
			c.log.WithError(err).WithField("session_id", sess.ID).Error("termination side effect failed")
		}
		return fmt.Errorf("session %s ended with %d failed side effects", sess.ID, len(errs))
	}
	c.log.WithFields(logrus.Fields{"session_id": sess.ID, "reason": reason}).Info("session terminated")
	return nil
}

// watch runs the session's two timers in one goroutine: the periodic
// checkpoint ticker and the inactivity deadline. Checkpoints for one
// session never overlap because they run sequentially in this loop.
func (c *Coordinator) watch(sess *session.Session) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.checkpointEvery)
		defer ticker.Stop()
		idle := time.NewTimer(c.inactivityAfter)
		defer idle.Stop()

		for {
			select {
			case <-ticker.C:
				if !c.checkpoint(sess) {
					continue
				}
				// Dirty content is activity: push the inactivity deadline out.
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(c.inactivityAfter)

			case <-idle.C:
				c.log.WithField("session_id", sess.ID).Info("session inactive, expiring")
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := c.teardown(ctx, sess, ReasonExpired); err != nil {
					c.log.WithError(err).WithField("session_id", sess.ID).Error("expiry teardown failed")
				}
				cancel()
				return

			case <-sess.Done():
				return
			}
		}
	}()
}

// checkpoint persists one dirty session. Returns true when activity was
// detected (content was dirty), regardless of write success; a failed
// write leaves the dirty flag set and is retried next tick.
func (c *Coordinator) checkpoint(sess *session.Session) bool {
	snapshot, gen, err := sess.Checkpoint()
	if err != nil {
		if errors.Is(err, session.ErrClean) {
			return false
		}
		c.log.WithError(err).WithField("session_id", sess.ID).Error("checkpoint snapshot failed")
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.UpdateContent(ctx, sess.ID, snapshot); err != nil {
		c.log.WithError(err).WithField("session_id", sess.ID).Error("checkpoint write failed, will retry")
		return true
	}
	sess.CheckpointDone(gen)
	return true
}

// Shutdown flushes every live session to the store and closes its
// connections. Records stay Active so sessions recover on the next start.
func (c *Coordinator) Shutdown(ctx context.Context) {
	for _, sess := range c.registry.All() {
		if snapshot, err := sess.Snapshot(); err == nil {
			if err := c.store.UpdateContent(ctx, sess.ID, snapshot); err != nil {
				c.log.WithError(err).WithField("session_id", sess.ID).Error("shutdown flush failed")
			}
		}
		sess.End(ReasonShutdown)
		c.registry.Remove(sess.ID)
	}
	c.wg.Wait()
}
