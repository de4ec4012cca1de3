package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/mira-go/internal/apperr"
	"github.com/comigor/mira-go/internal/cache"
	"github.com/comigor/mira-go/internal/history"
	"github.com/comigor/mira-go/internal/llm"
	"github.com/comigor/mira-go/internal/logger"
	"github.com/comigor/mira-go/internal/ratelimit"
)

// Turn FSM states
type turnState string

const (
	stateReceived     turnState = "Received"
	stateAdmitted     turnState = "Admitted"
	stateTurnRecorded turnState = "TurnRecorded"
	stateCacheChecked turnState = "CacheChecked"
	stateCacheHit     turnState = "CacheHit"
	stateCacheMiss    turnState = "CacheMiss"
	stateContextBuilt turnState = "ContextBuilt"
	stateDispatched   turnState = "Dispatched"
	statePersisted    turnState = "Persisted"
	stateCacheStored  turnState = "CacheStored"
	stateRespond      turnState = "Respond"  // Terminal: reply delivered
	stateRejected     turnState = "Rejected" // Terminal: admission denied
	stateFailed       turnState = "Failed"   // Terminal: typed error
)

// Turn FSM triggers
type turnTrigger string

const (
	triggerReceive    turnTrigger = "Receive"
	triggerAdmit      turnTrigger = "Admit"
	triggerDeny       turnTrigger = "Deny"
	triggerRecord     turnTrigger = "Record"
	triggerCheckCache turnTrigger = "CheckCache"
	triggerHit        turnTrigger = "Hit"
	triggerMiss       turnTrigger = "Miss"
	triggerBuild      turnTrigger = "Build"
	triggerDispatch   turnTrigger = "Dispatch"
	triggerPersist    turnTrigger = "Persist"
	triggerStoreCache turnTrigger = "StoreCache"
	triggerRespond    turnTrigger = "Respond"
	triggerFail       turnTrigger = "Fail"
)

// turn is the data carried through one run of the state machine.
type turn struct {
	req         TurnRequest
	admission   ratelimit.Decision
	fingerprint string
	userMsg     history.Message
	prompt      []llm.Message
	replyText   string
	cached      bool
	reply       Reply
	err         error
	// next is fired by runTurn once the current entry action returns; nil ends the run.
	next turnTrigger
}

func (t *turn) fail(err error) {
	t.err = err
	t.next = triggerFail
}

func (o *Orchestrator) runTurn(ctx context.Context, req TurnRequest) (Reply, error) {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	t := &turn{req: req, next: triggerReceive}
	fsm := o.turnMachine(t)

	for t.next != "" {
		trigger := t.next
		t.next = ""
		if err := fsm.FireCtx(ctx, trigger); err != nil {
			logger.L.Error("turn FSM fire error", "trigger", trigger, "error", err)
			return Reply{}, apperr.Wrap(apperr.KindInternal, err, "internal error")
		}
	}

	switch state := fsm.MustState(); state {
	case stateRespond:
		return t.reply, nil
	case stateRejected, stateFailed:
		return Reply{}, t.err
	default:
		return Reply{}, apperr.Wrap(apperr.KindInternal, fmt.Errorf("turn stopped in state %v", state), "internal error")
	}
}

func (o *Orchestrator) turnMachine(t *turn) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateReceived)

	fsm.Configure(stateReceived).
		PermitReentry(triggerReceive).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.onReceived(ctx, t)
			return nil
		}).
		Permit(triggerAdmit, stateAdmitted).
		Permit(triggerDeny, stateRejected).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateAdmitted).
		OnEntry(func(context.Context, ...any) error {
			t.next = triggerRecord
			return nil
		}).
		Permit(triggerRecord, stateTurnRecorded)

	fsm.Configure(stateTurnRecorded).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.onTurnRecorded(ctx, t)
			return nil
		}).
		Permit(triggerCheckCache, stateCacheChecked).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateCacheChecked).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.onCacheChecked(ctx, t)
			return nil
		}).
		Permit(triggerHit, stateCacheHit).
		Permit(triggerMiss, stateCacheMiss)

	fsm.Configure(stateCacheHit).
		OnEntry(func(context.Context, ...any) error {
			t.next = triggerPersist
			return nil
		}).
		Permit(triggerPersist, statePersisted)

	fsm.Configure(stateCacheMiss).
		OnEntry(func(context.Context, ...any) error {
			t.next = triggerBuild
			return nil
		}).
		Permit(triggerBuild, stateContextBuilt)

	fsm.Configure(stateContextBuilt).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.onContextBuilt(ctx, t)
			return nil
		}).
		Permit(triggerDispatch, stateDispatched).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateDispatched).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.onDispatched(ctx, t)
			return nil
		}).
		Permit(triggerPersist, statePersisted).
		Permit(triggerFail, stateFailed)

	fsm.Configure(statePersisted).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.onPersisted(ctx, t)
			return nil
		}).
		Permit(triggerStoreCache, stateCacheStored).
		Permit(triggerRespond, stateRespond).
		Permit(triggerFail, stateFailed)

	fsm.Configure(stateCacheStored).
		OnEntry(func(ctx context.Context, _ ...any) error {
			o.onCacheStored(ctx, t)
			return nil
		}).
		Permit(triggerRespond, stateRespond)

	fsm.Configure(stateRespond).
		OnEntry(func(context.Context, ...any) error {
			logger.L.Debug("FSM: Entering Respond", "conversation", t.req.ConversationID, "cached", t.cached)
			return nil
		})

	fsm.Configure(stateRejected).
		OnEntry(func(context.Context, ...any) error {
			logger.L.Debug("FSM: Entering Rejected", "owner", t.req.Owner)
			return nil
		})

	fsm.Configure(stateFailed).
		OnEntry(func(context.Context, ...any) error {
			if t.err == nil {
				t.err = apperr.New(apperr.KindInternal, "internal error")
			}
			logger.L.Debug("FSM: Entering Failed", "kind", apperr.KindOf(t.err))
			return nil
		})

	return fsm
}

func (o *Orchestrator) clientKey(req TurnRequest) string {
	if o.cfg.KeyBy == "ip" && req.ClientIP != "" {
		return "ip:" + req.ClientIP
	}
	return "user:" + req.Owner
}

// onReceived runs admission. A denial is terminal and nothing else happens.
func (o *Orchestrator) onReceived(ctx context.Context, t *turn) {
	d, err := o.Gate.Admit(ctx, o.clientKey(t.req))
	t.admission = d
	switch {
	case apperr.Is(err, apperr.KindAdmissionDenied):
		t.err = err
		t.next = triggerDeny
	case err != nil:
		t.fail(err)
	default:
		t.next = triggerAdmit
	}
}

// onTurnRecorded appends the user turn before the cache is consulted, so history holds
// every admitted message whatever the outcome.
func (o *Orchestrator) onTurnRecorded(ctx context.Context, t *turn) {
	t.userMsg = history.Message{
		Owner:          t.req.Owner,
		ConversationID: t.req.ConversationID,
		Role:           history.RoleUser,
		Content:        t.req.Text,
	}
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	id, err := o.Store.Append(sctx, t.userMsg)
	if err != nil {
		t.fail(persistenceErr(err, "could not save your message"))
		return
	}
	t.userMsg.ID = id
	t.next = triggerCheckCache
}

// onCacheChecked treats a cache failure, including a lookup that outlives the store
// timeout, as a miss.
func (o *Orchestrator) onCacheChecked(ctx context.Context, t *turn) {
	t.fingerprint = o.Cache.Fingerprint(cache.Request{
		Owner:          t.req.Owner,
		ConversationID: t.req.ConversationID,
		Provider:       t.req.Provider,
		Text:           t.req.Text,
	})
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	text, ok, err := o.Cache.Lookup(sctx, t.fingerprint)
	if err != nil {
		logger.L.Warn("cache lookup failed; treating as miss", "error", err)
	}
	if ok {
		t.replyText = text
		t.cached = true
		t.next = triggerHit
		return
	}
	t.next = triggerMiss
}

func (o *Orchestrator) onContextBuilt(ctx context.Context, t *turn) {
	sctx, cancel := o.storeCtx(ctx)
	defer cancel()
	prompt, err := o.Assembler.Build(sctx, t.userMsg)
	if err != nil {
		t.fail(err)
		return
	}
	t.prompt = prompt
	t.next = triggerDispatch
}

// onDispatched resolves the credential at the last moment and calls the provider. The
// key lives only for the duration of this call.
func (o *Orchestrator) onDispatched(ctx context.Context, t *turn) {
	sctx, cancel := o.storeCtx(ctx)
	cred, err := o.Vault.Resolve(sctx, t.req.Owner, t.req.Provider)
	cancel()
	if err != nil {
		t.fail(err)
		return
	}
	text, err := o.Dispatcher.Dispatch(ctx, t.req.Provider, cred.Key, t.prompt)
	if err != nil {
		t.fail(err)
		return
	}
	logger.L.Info("reply obtained", "owner", t.req.Owner, "provider", t.req.Provider, "credential", cred.Source)
	t.replyText = text
	t.next = triggerPersist
}

// onPersisted writes the assistant turn. It detaches from the caller's cancellation so
// a reply that was already paid for is kept even if the client went away.
func (o *Orchestrator) onPersisted(ctx context.Context, t *turn) {
	sctx, cancel := o.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	id, err := o.Store.Append(sctx, history.Message{
		Owner:          t.req.Owner,
		ConversationID: t.req.ConversationID,
		Role:           history.RoleAssistant,
		Content:        t.replyText,
	})
	if err != nil {
		t.fail(persistenceErr(err, "could not save the reply"))
		return
	}
	t.reply = Reply{
		ConversationID: t.req.ConversationID,
		UserMessageID:  t.userMsg.ID,
		MessageID:      id,
		Provider:       t.req.Provider,
		Text:           t.replyText,
		Cached:         t.cached,
	}
	if !t.admission.Degraded {
		t.reply.RateLimit = &RateLimit{Remaining: t.admission.Remaining, ResetAt: t.admission.ResetAt}
	}
	if t.cached {
		t.next = triggerRespond
		return
	}
	t.next = triggerStoreCache
}

func (o *Orchestrator) onCacheStored(ctx context.Context, t *turn) {
	sctx, cancel := o.storeCtx(context.WithoutCancel(ctx))
	defer cancel()
	if err := o.Cache.Store(sctx, t.fingerprint, t.replyText); err != nil {
		logger.L.Warn("cache store failed", "error", err)
	}
	t.next = triggerRespond
}
