package endpoint

import (
	"sync"

	"github.com/localrivet/gocoap/logx"
	"github.com/localrivet/gocoap/message"
)

const observeSeqMask = 0x00FFFFFF // observe sequence numbers are mod 2^24 (spec §8)

// DeliveryListener is notified when a notification cannot be dispatched
// because the relation is already waiting on a prior CON delivery (spec
// §4.6 "If delivering is already true... report FAIL(remote)").
type DeliveryListener interface {
	Fail(remote string)
}

// ObservationRelation is one peer's subscription to an observable
// resource (spec §3, §4.6). The resource that owns it is the only
// writer; the endpoint only reads Token/Remote during classification
// (spec §9 "Ownership of observation relations").
type ObservationRelation struct {
	Remote      string
	Token       message.Token
	PreferCON   bool
	seq         uint32
	delivering  bool
	transaction *Transaction // the in-flight CON notification, if any
}

// NextSeq returns the relation's current sequence number without
// advancing it: the seed right after Register, or the value stamped on the
// most recent notification. NotifyChange increments the counter before
// stamping, so the next notification carries NextSeq()+1 (mod 2^24).
func (r *ObservationRelation) NextSeq() uint32 { return r.seq }

// ObservableResource tracks one resource's observers (spec §4.6),
// grounded on the teacher's URI->subscriber map shape (SubscriptionManager)
// but keyed by token/remote per relation instead of by bare connection id,
// and augmented with the CON/NON delivery state RFC 7641 requires.
type ObservableResource struct {
	Path string

	mu             sync.Mutex
	relations      map[string]*ObservationRelation // keyed by remote
	forceConFreq   int
	forceConfirmed *bool // global override, spec §9 "conNotifications"

	txManager *TransactionManager
	schedule  RetransmitSchedule
	clock     Clock
	listener  DeliveryListener
	logger    logx.Logger
}

// NewObservableResource creates a resource at path, dispatching
// confirmable notifications through txManager.
func NewObservableResource(path string, forceConFreq int, txManager *TransactionManager, schedule RetransmitSchedule, clock Clock, listener DeliveryListener, logger logx.Logger) *ObservableResource {
	if forceConFreq <= 0 {
		forceConFreq = 20
	}
	if logger == nil {
		logger = logx.NewDefaultLogger()
	}
	return &ObservableResource{
		Path:         path,
		relations:    make(map[string]*ObservationRelation),
		forceConFreq: forceConFreq,
		txManager:    txManager,
		schedule:     schedule,
		clock:        clock,
		listener:     listener,
		logger:       logger,
	}
}

// SetForceConfirmed installs or clears the global CON-override described
// in spec §9: once set, it applies to every relation on this resource
// regardless of that relation's own preference.
func (o *ObservableResource) SetForceConfirmed(force *bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forceConfirmed = force
}

// Register installs or replaces the relation for req.Remote, seeding its
// sequence counter from the request's observe value (spec §4.6 "Register
// observer").
func (o *ObservableResource) Register(req *message.Message, preferCON bool) *ObservationRelation {
	seed, _ := req.Options.Observe()

	o.mu.Lock()
	defer o.mu.Unlock()
	rel := &ObservationRelation{Remote: req.Remote, Token: req.Token, PreferCON: preferCON, seq: seed & observeSeqMask}
	o.relations[req.Remote] = rel
	return rel
}

// Deregister removes the relation for remote, if one exists (spec §4.6
// "De-register").
func (o *ObservableResource) Deregister(remote string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.relations, remote)
}

// Relation returns the relation registered for remote, if any.
func (o *ObservableResource) Relation(remote string) (*ObservationRelation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rel, ok := o.relations[remote]
	return rel, ok
}

// RelationByToken looks up a relation by (remote, token), used by the
// endpoint's observation-handler classification (spec §4.7 item 5).
func (o *ObservableResource) RelationByToken(remote string, token message.Token) (*ObservationRelation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rel, ok := o.relations[remote]
	if !ok || !rel.Token.Equal(token) {
		return nil, false
	}
	return rel, true
}

// Sender transmits notifications built by an ObservableResource. SendNON
// ships a fire-and-forget message directly over the transport. SendCON
// transmits a transaction already admitted as in-flight by the shared
// TransactionManager, applying the same failure-and-promote-next handling
// an endpoint uses for its own outbound requests (spec §4.4).
type Sender interface {
	SendNON(msg *message.Message, remote string, txCtx interface{}) error
	SendCON(txn *Transaction) error
}

// NotifyChange builds and dispatches one notification per relation
// carrying payload (spec §4.6 "Notify change"). The acquire-iterator-
// inside-the-critical-section resolution from spec §9's open question is
// applied here: the relation snapshot is taken and mutated entirely
// under o.mu before any network or transaction-manager call is made.
func (o *ObservableResource) NotifyChange(payload []byte, contentFormat *uint32, sender Sender, txCtx interface{}) {
	o.mu.Lock()
	type dispatchJob struct {
		rel       *ObservationRelation
		msg       *message.Message
		useCON    bool
		skip      bool
	}
	jobs := make([]dispatchJob, 0, len(o.relations))

	for _, rel := range o.relations {
		if rel.delivering {
			jobs = append(jobs, dispatchJob{rel: rel, skip: true})
			continue
		}
		rel.seq = (rel.seq + 1) & observeSeqMask

		prefersCON := rel.PreferCON
		if o.forceConfirmed != nil {
			prefersCON = *o.forceConfirmed // spec §9: global override replaces per-relation preference
		}
		useCON := prefersCON || rel.seq%uint32(o.forceConFreq) == 0

		msg := &message.Message{
			Type:    message.NON,
			Code:    message.Content,
			Token:   rel.Token,
			Remote:  rel.Remote,
			Options: message.OptionSet{},
			Payload: payload,
		}
		if useCON {
			msg.Type = message.CON
		}
		msg.Options.SetObserve(rel.seq)
		if contentFormat != nil {
			msg.Options.AddUint(message.OptionContentFormat, *contentFormat)
		}

		if useCON {
			rel.delivering = true
		}
		jobs = append(jobs, dispatchJob{rel: rel, msg: msg, useCON: useCON})
	}
	o.mu.Unlock()

	for _, j := range jobs {
		if j.skip {
			if o.listener != nil {
				o.listener.Fail(j.rel.Remote)
			}
			continue
		}
		if j.useCON {
			o.sendConfirmable(j.rel, j.msg, sender, txCtx)
			continue
		}
		if err := sender.SendNON(j.msg, j.rel.Remote, txCtx); err != nil {
			o.logger.Warn("observation: failed to send NON notification to %s: %v", j.rel.Remote, err)
		}
	}
}

func (o *ObservableResource) sendConfirmable(rel *ObservationRelation, msg *message.Message, sender Sender, txCtx interface{}) {
	var txn *Transaction
	cb := func(resp *message.Message, err error) {
		o.mu.Lock()
		rel.delivering = false
		rel.transaction = nil
		failed := err != nil
		o.mu.Unlock()

		// Clear this notification's in-flight slot in the shared
		// TransactionManager and promote whatever is queued behind it for
		// this remote. A no-op if the endpoint's own dispatch already did
		// this (e.g. via completeTransaction) before Complete fired.
		if _, ok := o.txManager.RemoveAndLock(txn.Key()); ok {
			if next, ok := o.txManager.UnlockOrRemoveAndGetNext(txn.Remote); ok {
				if sendErr := sender.SendCON(next); sendErr != nil {
					o.logger.Warn("observation: failed to send queued transaction to %s: %v", next.Remote, sendErr)
				}
			}
		}

		if failed {
			o.Deregister(rel.Remote)
		}
	}
	txn = NewTransaction(msg, o.schedule, o.clock, cb, PriorityNormal, txCtx)

	o.mu.Lock()
	rel.transaction = txn
	o.mu.Unlock()

	ready, err := o.txManager.Enqueue(txn, true)
	if err != nil {
		o.logger.Warn("observation: failed to enqueue CON notification to %s: %v", rel.Remote, err)
		return
	}
	if ready {
		if err := sender.SendCON(txn); err != nil {
			o.logger.Warn("observation: failed to send CON notification to %s: %v", rel.Remote, err)
		}
	}
}

// NotifyTermination sends each relation a termination (RST, or a
// confirmable error-code notification when errCode is non-zero) and
// removes every relation. A second call is a no-op (spec §8 idempotence
// property).
func (o *ObservableResource) NotifyTermination(errCode message.Code, sender Sender, txCtx interface{}) {
	o.mu.Lock()
	relations := make([]*ObservationRelation, 0, len(o.relations))
	for _, rel := range o.relations {
		relations = append(relations, rel)
	}
	o.relations = make(map[string]*ObservationRelation)
	o.mu.Unlock()

	for _, rel := range relations {
		msg := &message.Message{Remote: rel.Remote, Token: rel.Token, Options: message.OptionSet{}}
		if errCode == message.CodeEmpty {
			msg.Type = message.RST
		} else {
			msg.Type = message.CON
			msg.Code = errCode
		}
		if err := sender.SendNON(msg, rel.Remote, txCtx); err != nil {
			o.logger.Warn("observation: failed to send termination to %s: %v", rel.Remote, err)
		}
	}
}

// Len reports the number of active relations (test/metrics hook).
func (o *ObservableResource) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.relations)
}
