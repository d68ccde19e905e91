package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/store"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrInDoubt marks a transaction whose commit decision was durably recorded
// but not yet acknowledged by every participant. The write will land; it is
// the recovery scan's job to re-drive delivery, not the caller's to retry
// the transaction.
var ErrInDoubt = errors.New("transaction in doubt")

// State is a transaction's position in the coordinator state machine:
//
//	Active → Preparing → Prepared → Committing → Committed
//	                   ↘ Aborting → RolledBack
//	plus the terminal InDoubt, TimedOut and Failed states.
type State int

const (
	StateActive State = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateAborting
	StateRolledBack
	StateInDoubt
	StateTimedOut
	StateFailed
)

var stateNames = [...]string{
	"active", "preparing", "prepared", "committing", "committed",
	"aborting", "rolled-back", "in-doubt", "timed-out", "failed",
}

// String returns the lowercase state name.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// IsolationLevel is carried on the transaction and handed to stores that can
// honor it; the coordinator itself only transports it.
type IsolationLevel int

const (
	IsolationReadCommitted IsolationLevel = iota
	IsolationRepeatableRead
	IsolationSerializable
)

var isolationNames = [...]string{"read-committed", "repeatable-read", "serializable"}

// String returns the lowercase isolation level name.
func (l IsolationLevel) String() string {
	if int(l) < len(isolationNames) {
		return isolationNames[l]
	}
	return "unknown"
}

// ParticipantStatus is one enlisted shard's progress through the protocol.
type ParticipantStatus int

const (
	StatusEnlisted ParticipantStatus = iota
	StatusPrepared
	StatusCommitted
	StatusRolledBack
	StatusInDoubt
	StatusFailed
)

var participantStatusNames = [...]string{
	"enlisted", "prepared", "committed", "rolled-back", "in-doubt", "failed",
}

// String returns the lowercase status name.
func (s ParticipantStatus) String() string {
	if int(s) < len(participantStatusNames) {
		return participantStatusNames[s]
	}
	return "unknown"
}

type enlistment struct {
	participant store.Participant
	status      ParticipantStatus
	writes      []store.Write
	err         error
}

// Txn is one cross-shard transaction. It is created by Coordinator.Begin,
// owned exclusively by the coordinator, and discarded once it terminates.
type Txn struct {
	mu        sync.Mutex
	id        string
	isolation IsolationLevel
	timeout   time.Duration
	createdAt time.Time
	state     State
	enlisted  map[string]*enlistment
	order     []string

	c *Coordinator
}

// ID returns the transaction id.
func (t *Txn) ID() string { return t.id }

// Isolation returns the transaction's isolation level.
func (t *Txn) Isolation() IsolationLevel { return t.isolation }

// State returns the current state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// EnlistedShards returns the enlisted shard ids in enlistment order.
func (t *Txn) EnlistedShards() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// ParticipantStatuses returns each enlisted shard's protocol status.
func (t *Txn) ParticipantStatuses() map[string]ParticipantStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ParticipantStatus, len(t.enlisted))
	for id, e := range t.enlisted {
		out[id] = e.status
	}
	return out
}

// Enlist adds a participant. Enlisting is legal only while the transaction
// is Active; re-enlisting an already enlisted shard id is a no-op.
func (t *Txn) Enlist(p store.Participant) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return t.errLocked("Enlist", fmt.Errorf("cannot enlist while %s", t.state))
	}
	id := p.ShardID()
	if _, ok := t.enlisted[id]; ok {
		return nil
	}
	t.enlisted[id] = &enlistment{participant: p}
	t.order = append(t.order, id)
	return nil
}

// Stage queues a write for an enlisted shard. The write is staged on the
// participant during the prepare phase.
func (t *Txn) Stage(shardID string, w store.Write) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return t.errLocked("Stage", fmt.Errorf("cannot stage while %s", t.state))
	}
	e, ok := t.enlisted[shardID]
	if !ok {
		return t.errLocked("Stage", fmt.Errorf("shard %q is not enlisted", shardID))
	}
	e.writes = append(e.writes, w)
	return nil
}

// Commit runs the two-phase protocol.
//
// Phase one asks every participant to durably stage its writes. Any prepare
// failure aborts: rollback is issued to every participant, including ones
// already prepared, and the transaction reports the failing shard. A prepare
// phase that runs out the transaction budget instead reports TimedOut and
// leaves prepared participants prepared, since a decision may already be
// recorded elsewhere.
//
// Once all participants prepared, the coordinator durably records the global
// commit decision; from that point the transaction can no longer be rolled
// back. Participant commit failures after the decision are retried with
// backoff and then marked in-doubt for recovery — Commit returns an error
// wrapping ErrInDoubt, not a hard failure. Cancellation after the decision
// only stops delivery retries, never the decision itself.
func (t *Txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateActive {
		defer t.mu.Unlock()
		return t.errLocked("Commit", fmt.Errorf("cannot commit while %s", t.state))
	}
	t.state = StatePreparing
	parts := t.snapshotLocked()
	t.mu.Unlock()

	defer t.c.finish(t)

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	if err := t.prepareAll(ctx, parts); err != nil {
		return err
	}

	t.setState(StatePrepared)
	if err := t.recordDecision(ctx, parts); err != nil {
		return err
	}
	t.setState(StateCommitting)

	return t.commitAll(ctx, parts)
}

// prepareAll runs phase one. All prepares run concurrently and share one
// cancellation: the first failure cancels the rest.
func (t *Txn) prepareAll(ctx context.Context, parts []*enlistment) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range parts {
		e := e
		g.Go(func() error {
			if err := e.participant.Prepare(gctx, t.id, e.writes); err != nil {
				t.setParticipant(e, StatusFailed, err)
				return &shardPhaseError{shardID: e.participant.ShardID(), phase: "prepare", err: err}
			}
			t.setParticipant(e, StatusPrepared, nil)
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// The budget ran out mid-prepare. Prepared participants stay
		// prepared: auto-aborting here could contradict a commit decision
		// already recorded by a prior attempt.
		t.setState(StateTimedOut)
		t.c.stats.transactions.WithLabelValues("timed-out").Inc()
		return &tessera.Error{
			Code: tessera.ETimeout,
			Op:   "coordinator.Commit",
			Msg:  fmt.Sprintf("txn %s timed out during prepare; prepared participants left prepared", t.id),
			Err:  err,
		}
	}

	// Prepare failed: abort everyone, including already prepared shards.
	t.setState(StateAborting)
	rbErr := t.rollbackAll(context.WithoutCancel(ctx), parts)
	if rbErr != nil {
		t.setState(StateFailed)
		t.c.stats.transactions.WithLabelValues("failed").Inc()
	} else {
		t.setState(StateRolledBack)
		t.c.stats.transactions.WithLabelValues("rolled-back").Inc()
	}

	var spe *shardPhaseError
	msg := fmt.Sprintf("txn %s: prepare failed", t.id)
	if errors.As(err, &spe) {
		msg = fmt.Sprintf("txn %s: shard %q failed during %s", t.id, spe.shardID, spe.phase)
	}
	return &tessera.Error{
		Code: tessera.ETransaction,
		Op:   "coordinator.Commit",
		Msg:  msg,
		Err:  multierr.Append(err, rbErr),
	}
}

// recordDecision durably records the global commit decision. A decision that
// cannot be recorded aborts: no participant has been told to commit yet.
func (t *Txn) recordDecision(ctx context.Context, parts []*enlistment) error {
	if t.c.decisions == nil {
		return nil
	}
	d := Decision{TxnID: t.id, DecidedAt: t.c.clock.Now().UTC()}
	for _, e := range parts {
		d.Shards = append(d.Shards, e.participant.ShardID())
	}
	if err := t.c.decisions.Record(d); err != nil {
		t.setState(StateAborting)
		rbErr := t.rollbackAll(context.WithoutCancel(ctx), parts)
		if rbErr != nil {
			t.setState(StateFailed)
			t.c.stats.transactions.WithLabelValues("failed").Inc()
		} else {
			t.setState(StateRolledBack)
			t.c.stats.transactions.WithLabelValues("rolled-back").Inc()
		}
		return &tessera.Error{
			Code: tessera.ETransaction,
			Op:   "coordinator.Commit",
			Msg:  fmt.Sprintf("txn %s: recording commit decision failed", t.id),
			Err:  multierr.Append(err, rbErr),
		}
	}
	return nil
}

// commitAll runs phase two. Commits run concurrently but never cancel each
// other; a failure is retried and then marked in-doubt.
func (t *Txn) commitAll(ctx context.Context, parts []*enlistment) error {
	var wg sync.WaitGroup
	for _, e := range parts {
		wg.Add(1)
		go func(e *enlistment) {
			defer wg.Done()
			if err := t.commitWithRetry(ctx, e); err != nil {
				t.setParticipant(e, StatusInDoubt, err)
				t.c.logger.Warn("participant commit in doubt",
					zap.String("txn", t.id),
					zap.String("shard", e.participant.ShardID()),
					zap.Error(err))
				return
			}
			t.setParticipant(e, StatusCommitted, nil)
		}(e)
	}
	wg.Wait()

	var inDoubt []string
	t.mu.Lock()
	for _, id := range t.order {
		if t.enlisted[id].status == StatusInDoubt {
			inDoubt = append(inDoubt, id)
		}
	}
	t.mu.Unlock()

	if len(inDoubt) == 0 {
		t.setState(StateCommitted)
		t.c.stats.transactions.WithLabelValues("committed").Inc()
		if t.c.decisions != nil {
			if err := t.c.decisions.Resolve(t.id); err != nil {
				t.c.logger.Warn("resolving decision failed", zap.String("txn", t.id), zap.Error(err))
			}
		}
		t.c.logger.Info("transaction committed",
			zap.String("txn", t.id), zap.Int("shards", len(parts)))
		return nil
	}

	// The decision stands; recovery re-drives delivery. The decision log
	// record is retained until every participant acknowledges.
	t.setState(StateInDoubt)
	t.c.stats.transactions.WithLabelValues("in-doubt").Inc()
	return &tessera.Error{
		Code: tessera.ETransaction,
		Op:   "coordinator.Commit",
		Msg: fmt.Sprintf("txn %s: commit decided but unacknowledged on shards [%s] during commit phase",
			t.id, strings.Join(inDoubt, ", ")),
		Err: ErrInDoubt,
	}
}

// commitWithRetry delivers the commit instruction with bounded attempts and
// exponential backoff. After the recorded decision a rollback would violate
// atomicity, so failures never abort.
func (t *Txn) commitWithRetry(ctx context.Context, e *enlistment) error {
	backoff := t.c.config.retryBackoff()
	var lastErr error
	for attempt := 0; attempt <= t.c.config.CommitRetries; attempt++ {
		if attempt > 0 {
			t.c.stats.commitRetries.Inc()
			timer := t.c.clock.Timer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return multierr.Append(lastErr, ctx.Err())
			}
			backoff *= 2
			if max := t.c.config.maxRetryBackoff(); backoff > max {
				backoff = max
			}
		}
		lastErr = e.participant.Commit(ctx, t.id)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return multierr.Append(lastErr, ctx.Err())
		}
	}
	return lastErr
}

// Rollback issues a best-effort rollback to every enlisted participant. It
// fails only if every participant's rollback failed; partial rollback
// failures are reported on the participant statuses and logged.
func (t *Txn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateActive, StatePreparing, StatePrepared:
	default:
		defer t.mu.Unlock()
		return t.errLocked("Rollback", fmt.Errorf("cannot roll back while %s", t.state))
	}
	t.state = StateAborting
	parts := t.snapshotLocked()
	t.mu.Unlock()

	defer t.c.finish(t)

	err := t.rollbackAll(ctx, parts)
	if err != nil {
		t.setState(StateFailed)
		t.c.stats.transactions.WithLabelValues("failed").Inc()
		return &tessera.Error{
			Code: tessera.ETransaction,
			Op:   "coordinator.Rollback",
			Msg:  fmt.Sprintf("txn %s: rollback failed on every participant", t.id),
			Err:  err,
		}
	}
	t.setState(StateRolledBack)
	t.c.stats.transactions.WithLabelValues("rolled-back").Inc()
	return nil
}

// rollbackAll rolls every participant back concurrently. It returns nil if
// at least one rollback succeeded (or there were none), otherwise the
// aggregated errors.
func (t *Txn) rollbackAll(ctx context.Context, parts []*enlistment) error {
	if len(parts) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
		ok   int
	)
	for _, e := range parts {
		wg.Add(1)
		go func(e *enlistment) {
			defer wg.Done()
			if err := e.participant.Rollback(ctx, t.id); err != nil {
				t.setParticipant(e, StatusFailed, err)
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("shard %q rollback: %w", e.participant.ShardID(), err))
				mu.Unlock()
				return
			}
			t.setParticipant(e, StatusRolledBack, nil)
			mu.Lock()
			ok++
			mu.Unlock()
		}(e)
	}
	wg.Wait()

	if ok > 0 {
		if errs != nil {
			t.c.logger.Warn("partial rollback failure", zap.String("txn", t.id), zap.Error(errs))
		}
		return nil
	}
	return errs
}

func (t *Txn) snapshotLocked() []*enlistment {
	parts := make([]*enlistment, 0, len(t.order))
	for _, id := range t.order {
		parts = append(parts, t.enlisted[id])
	}
	return parts
}

func (t *Txn) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Txn) setParticipant(e *enlistment, s ParticipantStatus, err error) {
	t.mu.Lock()
	e.status = s
	e.err = err
	t.mu.Unlock()
}

func (t *Txn) errLocked(op string, err error) error {
	return &tessera.Error{
		Code: tessera.ETransaction,
		Op:   "coordinator." + op,
		Msg:  fmt.Sprintf("txn %s", t.id),
		Err:  err,
	}
}

// shardPhaseError names the shard and protocol phase of a failure.
type shardPhaseError struct {
	shardID string
	phase   string
	err     error
}

func (e *shardPhaseError) Error() string {
	return fmt.Sprintf("shard %q %s: %v", e.shardID, e.phase, e.err)
}

func (e *shardPhaseError) Unwrap() error { return e.err }

// Coordinator creates and drives cross-shard transactions.
type Coordinator struct {
	config    Config
	clock     clock.Clock
	decisions *DecisionLog
	resolver  ParticipantResolver

	logger *zap.Logger
	stats  *txnMetrics

	mu     sync.Mutex
	active map[string]*Txn
}

// ParticipantResolver looks participants up by shard id, used by the
// recovery scan to re-drive decided transactions.
type ParticipantResolver interface {
	Participant(ctx context.Context, shardID string) (store.Participant, error)
}

// ParticipantResolverFunc adapts a function to the ParticipantResolver
// interface.
type ParticipantResolverFunc func(ctx context.Context, shardID string) (store.Participant, error)

// Participant implements ParticipantResolver.
func (fn ParticipantResolverFunc) Participant(ctx context.Context, shardID string) (store.Participant, error) {
	return fn(ctx, shardID)
}

// NewCoordinator builds a coordinator. When recovery is enabled the decision
// log is opened at the configured path.
func NewCoordinator(config Config, opts ...CoordinatorOption) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		config: config,
		clock:  clock.New(),
		logger: zap.NewNop(),
		stats:  newTxnMetrics(),
		active: make(map[string]*Txn),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decisions == nil && config.RecoveryEnabled {
		log, err := OpenDecisionLog(config.DecisionLogPath)
		if err != nil {
			return nil, err
		}
		c.decisions = log
	}
	return c, nil
}

// CoordinatorOption configures a coordinator under construction.
type CoordinatorOption func(*Coordinator)

// WithClock substitutes the clock used for retry backoff and decision
// timestamps.
func WithClock(clk clock.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clk }
}

// WithDecisionLog substitutes an already opened decision log.
func WithDecisionLog(log *DecisionLog) CoordinatorOption {
	return func(c *Coordinator) { c.decisions = log }
}

// WithParticipantResolver sets the resolver used by recovery.
func WithParticipantResolver(r ParticipantResolver) CoordinatorOption {
	return func(c *Coordinator) { c.resolver = r }
}

// WithLogger sets the logger on c.
func (c *Coordinator) WithLogger(log *zap.Logger) {
	c.logger = log.With(zap.String("service", "txn"))
}

// TxnOption configures a transaction at Begin.
type TxnOption func(*Txn)

// WithIsolation sets the transaction's isolation level.
func WithIsolation(level IsolationLevel) TxnOption {
	return func(t *Txn) { t.isolation = level }
}

// WithTimeout overrides the configured transaction timeout.
func WithTimeout(d time.Duration) TxnOption {
	return func(t *Txn) { t.timeout = d }
}

// Begin creates a new Active transaction owned by the coordinator.
func (c *Coordinator) Begin(opts ...TxnOption) *Txn {
	t := &Txn{
		id:        uuid.NewString(),
		timeout:   time.Duration(c.config.TransactionTimeout),
		createdAt: c.clock.Now(),
		state:     StateActive,
		enlisted:  make(map[string]*enlistment),
		c:         c,
	}
	for _, opt := range opts {
		opt(t)
	}
	c.mu.Lock()
	c.active[t.id] = t
	c.mu.Unlock()
	return t
}

// Close releases the coordinator's decision log.
func (c *Coordinator) Close() error {
	if c.decisions != nil {
		return c.decisions.Close()
	}
	return nil
}

func (c *Coordinator) finish(t *Txn) {
	c.mu.Lock()
	delete(c.active, t.id)
	c.mu.Unlock()
}

func (c Config) retryBackoff() time.Duration {
	if c.RetryBackoff <= 0 {
		return DefaultRetryBackoff
	}
	return time.Duration(c.RetryBackoff)
}

func (c Config) maxRetryBackoff() time.Duration {
	if c.MaxRetryBackoff <= 0 {
		return DefaultMaxRetryBackoff
	}
	return time.Duration(c.MaxRetryBackoff)
}
