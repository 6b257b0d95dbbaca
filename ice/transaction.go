// Copyright 2026 The Iceflow Authors, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ice

import (
	"crypto/rand"
	"time"

	"github.com/pion/stun/v3"

	"iceflow/pkg/iceerrors"
	"iceflow/pkg/log"
	"iceflow/pkg/loop"
)

// TransactionMode selects datagram or stream timer behavior per RFC 5389
// §7.2: UDP retransmits with doubling intervals, TCP waits a single Ti.
type TransactionMode int

const (
	ModeUDP TransactionMode = iota
	ModeTCP
)

// TransactionID is the 96-bit STUN transaction id.
type TransactionID = [stun.TransactionIDSize]byte

// RFC 5389 §7.2.1 defaults.
const (
	DefaultRTO = 500 * time.Millisecond
	DefaultRc  = 7
	DefaultRm  = 16
	DefaultTi  = 39500 * time.Millisecond

	maxRTOFactor = 32 // per-retransmit interval cap, in initial RTOs
)

// TransactionPoolConfig configures a TransactionPool.
type TransactionPoolConfig struct {
	Mode   TransactionMode
	Loop   *loop.Loop
	Logger *log.Logger

	// OnOutgoingMessage carries a serialized request toward the server.
	// For UDP pools the owner writes it to its socket; for TCP pools it
	// goes onto the stream.
	OnOutgoingMessage func(packet []byte, to TransportAddress)

	// OnNeedAuthParams fires when a server demanded long-term auth and
	// no credentials are set. The owner calls ContinueAfterParams once
	// it has (possibly blank) credentials.
	OnNeedAuthParams func(from TransportAddress)
}

// TransactionPool multiplexes STUN transactions over one unreliable or
// stream transport. It owns the transaction-id space, routes responses by
// id, and handles long-term authentication (401 retry with realm/nonce,
// 438 nonce refresh) for all its transactions. All methods must run on the
// pool's loop.
type TransactionPool struct {
	mode   TransactionMode
	loop   *loop.Loop
	logger *log.Logger

	transactions map[TransactionID]*Transaction

	longTermAuth bool
	user         string
	pass         string
	realm        string
	nonce        string
	triedAuth    map[TransportAddress]bool
	pendingAuth  bool

	onOutgoing       func(packet []byte, to TransportAddress)
	onNeedAuthParams func(from TransportAddress)
}

// NewTransactionPool creates a pool. A nil Logger is replaced by a silent
// one.
func NewTransactionPool(cfg *TransactionPoolConfig) *TransactionPool {
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger(log.LevelSilent, "stun-pool")
	}
	return &TransactionPool{
		mode:             cfg.Mode,
		loop:             cfg.Loop,
		logger:           cfg.Logger,
		transactions:     make(map[TransactionID]*Transaction),
		triedAuth:        make(map[TransportAddress]bool),
		onOutgoing:       cfg.OnOutgoingMessage,
		onNeedAuthParams: cfg.OnNeedAuthParams,
	}
}

// Mode returns the pool's transport mode.
func (p *TransactionPool) Mode() TransactionMode { return p.mode }

// SetLongTermAuthEnabled allows the pool to answer 401 challenges.
func (p *TransactionPool) SetLongTermAuthEnabled(enabled bool) { p.longTermAuth = enabled }

// SetUsername sets the long-term username.
func (p *TransactionPool) SetUsername(user string) { p.user = user }

// SetPassword sets the long-term password.
func (p *TransactionPool) SetPassword(pass string) { p.pass = pass }

// SetRealm overrides the realm normally learned from the server.
func (p *TransactionPool) SetRealm(realm string) { p.realm = realm }

// Realm returns the realm in use, usually learned from a 401.
func (p *TransactionPool) Realm() string { return p.realm }

// GenerateID returns a transaction id unused within this pool.
func (p *TransactionPool) GenerateID() TransactionID {
	var id TransactionID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			panic("stun: transaction id entropy unavailable")
		}
		if _, exists := p.transactions[id]; !exists {
			return id
		}
	}
}

// ContinueAfterParams resumes transactions parked on a 401 from addr,
// using whatever credentials are now set (possibly blank).
func (p *TransactionPool) ContinueAfterParams(addr TransportAddress) {
	p.pendingAuth = false
	p.triedAuth[addr.normalized()] = true

	for _, t := range p.transactions {
		if !t.active && !t.cancelled {
			trans := t
			p.loop.Post(func() { trans.retry() })
		}
	}
}

// WriteIncomingMessage routes one received packet. handled reports whether
// a transaction consumed it; notStun reports whether the packet is
// definitely not a STUN message (so the caller may try other framings).
func (p *TransactionPool) WriteIncomingMessage(packet []byte, from TransportAddress) (handled, notStun bool) {
	if !stun.IsMessage(packet) {
		return false, true
	}

	m := &stun.Message{Raw: append([]byte(nil), packet...)}
	if err := m.Decode(); err != nil {
		return false, true
	}

	if m.Type.Class != stun.ClassSuccessResponse && m.Type.Class != stun.ClassErrorResponse {
		// request or indication; could still be STUN, not ours to route
		return false, false
	}

	trans, ok := p.transactions[m.TransactionID]
	if !ok {
		return false, false
	}

	return trans.writeIncomingMessage(m, from)
}

func (p *TransactionPool) insert(t *Transaction) {
	p.transactions[t.id] = t
}

func (p *TransactionPool) remove(t *Transaction) {
	if p.transactions[t.id] == t {
		delete(p.transactions, t.id)
	}
}

func (p *TransactionPool) transmit(t *Transaction) {
	if p.onOutgoing != nil {
		p.onOutgoing(t.packet, t.to)
	}
}

// MessageBuilder constructs the request for one transmission attempt. It
// must set the message type (request class) and any method-specific
// attributes; the transaction appends authentication, MESSAGE-INTEGRITY
// and FINGERPRINT itself.
type MessageBuilder func(id TransactionID) (*stun.Message, error)

// Transaction is a single short-lived STUN request/response exchange with
// RFC 5389 retransmission timers. Used for Binding (reflexive discovery
// and connectivity checks) and for all TURN control requests.
type Transaction struct {
	pool *TransactionPool

	id     TransactionID
	to     TransportAddress // zero value means unpinned
	build  MessageBuilder
	packet []byte

	shortTermUser string
	shortTermPass string
	fpRequired    bool
	integrity     stun.MessageIntegrity
	hasIntegrity  bool

	active    bool
	cancelled bool

	rto          time.Duration
	initialRTO   time.Duration
	rc           int
	rm           int
	ti           time.Duration
	tries        int
	lastInterval time.Duration
	timer        *time.Timer
	started      time.Time

	onFinished func(m *stun.Message, from TransportAddress)
	onError    func(err error)
}

// TransactionConfig configures a Transaction before Start.
type TransactionConfig struct {
	// To pins the transaction to one peer; responses from other sources
	// are ignored. Leave zero for server transactions routed by the
	// pool owner.
	To TransportAddress

	Build      MessageBuilder
	OnFinished func(m *stun.Message, from TransportAddress)
	OnError    func(err error)

	// Short-term credential pair (ICE connectivity checks). When unset
	// and the pool has long-term auth state, that is used instead.
	ShortTermUser string
	ShortTermPass string

	// FingerprintRequired drops responses lacking a valid FINGERPRINT.
	FingerprintRequired bool

	// Timer overrides; zero means the RFC 5389 default.
	RTO time.Duration
	Rc  int
	Rm  int
	Ti  time.Duration
}

// NewTransaction prepares a transaction on the pool. Call Start to
// transmit.
func NewTransaction(pool *TransactionPool, cfg *TransactionConfig) *Transaction {
	t := &Transaction{
		pool:       pool,
		to:         cfg.To,
		build:      cfg.Build,
		onFinished: cfg.OnFinished,
		onError:    cfg.OnError,

		shortTermUser: cfg.ShortTermUser,
		shortTermPass: cfg.ShortTermPass,
		fpRequired:    cfg.FingerprintRequired,

		rto: DefaultRTO,
		rc:  DefaultRc,
		rm:  DefaultRm,
		ti:  DefaultTi,
	}
	if cfg.RTO > 0 {
		t.rto = cfg.RTO
	}
	if cfg.Rc > 0 {
		t.rc = cfg.Rc
	}
	if cfg.Rm > 0 {
		t.rm = cfg.Rm
	}
	if cfg.Ti > 0 {
		t.ti = cfg.Ti
	}
	t.initialRTO = t.rto
	return t
}

// Start builds and transmits the request. Must run on the pool's loop.
func (t *Transaction) Start() {
	if t.active {
		t.fail(iceerrors.ErrTransactionActive)
		return
	}
	t.tryRequest()
}

// Cancel aborts the transaction. Nothing is emitted afterwards; an
// in-flight response is swallowed.
func (t *Transaction) Cancel() {
	t.cancelled = true
	t.active = false
	t.stopTimer()
	t.pool.remove(t)
}

func (t *Transaction) fail(err error) {
	cb := t.onError
	t.pool.loop.Post(func() {
		if t.cancelled {
			return
		}
		if cb != nil {
			cb(err)
		}
	})
}

func (t *Transaction) tryRequest() {
	t.id = t.pool.GenerateID()

	m, err := t.build(t.id)
	if err != nil || m == nil {
		t.fail(iceerrors.ErrProtocol)
		return
	}

	t.hasIntegrity = false
	if t.shortTermUser != "" {
		if err := stun.NewUsername(t.shortTermUser).AddTo(m); err != nil {
			t.fail(iceerrors.ErrProtocol)
			return
		}
		t.integrity = stun.NewShortTermIntegrity(t.shortTermPass)
		t.hasIntegrity = true
	} else if t.pool.nonce != "" {
		if err := stun.NewUsername(t.pool.user).AddTo(m); err != nil {
			t.fail(iceerrors.ErrProtocol)
			return
		}
		if err := stun.NewRealm(t.pool.realm).AddTo(m); err != nil {
			t.fail(iceerrors.ErrProtocol)
			return
		}
		if err := stun.NewNonce(t.pool.nonce).AddTo(m); err != nil {
			t.fail(iceerrors.ErrProtocol)
			return
		}
		t.integrity = stun.NewLongTermIntegrity(t.pool.user, t.pool.realm, t.pool.pass)
		t.hasIntegrity = true
	}

	if t.hasIntegrity {
		if err := t.integrity.AddTo(m); err != nil {
			t.fail(iceerrors.ErrProtocol)
			return
		}
	}
	if err := stun.Fingerprint.AddTo(m); err != nil {
		t.fail(iceerrors.ErrProtocol)
		return
	}

	t.packet = append([]byte(nil), m.Raw...)

	t.active = true
	t.tries = 1

	if t.pool.mode == ModeUDP {
		t.lastInterval = time.Duration(t.rm) * t.rto
		t.startTimer(t.rto)
		t.rto = minDuration(2*t.rto, time.Duration(maxRTOFactor)*t.initialRTO)
	} else {
		t.startTimer(t.ti)
	}

	t.started = time.Now()
	t.pool.insert(t)
	t.transmit()
}

func (t *Transaction) retry() {
	if t.cancelled || t.active {
		return
	}
	t.pool.remove(t)
	t.tryRequest()
}

func (t *Transaction) startTimer(d time.Duration) {
	t.stopTimer()
	t.timer = time.AfterFunc(d, func() {
		t.pool.loop.Post(t.onTimeout)
	})
}

func (t *Transaction) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transaction) onTimeout() {
	if t.cancelled || !t.active {
		return
	}
	if t.pool.mode == ModeTCP || t.tries == t.rc {
		t.active = false
		t.pool.remove(t)
		if t.onError != nil {
			t.onError(iceerrors.ErrTimeout)
		}
		return
	}

	t.tries++
	if t.tries == t.rc {
		t.startTimer(t.lastInterval)
	} else {
		t.startTimer(t.rto)
		t.rto = minDuration(2*t.rto, time.Duration(maxRTOFactor)*t.initialRTO)
	}

	t.pool.logger.Verbosef("stun transaction to=%s timeout, retransmitting (try %d/%d)", t.to, t.tries, t.rc)
	t.transmit()
}

func (t *Transaction) transmit() {
	t.pool.logger.Verbosef("stun send to=%s elapsed=%s", t.to, time.Since(t.started))
	t.pool.transmit(t)
}

func (t *Transaction) checkActiveAndFrom(from TransportAddress) bool {
	if !t.active {
		return false
	}
	return !t.to.IsValid() || t.to.Equal(from)
}

// writeIncomingMessage validates and consumes a decoded response. Returns
// handled / definitely-not-stun the same way the pool does.
func (t *Transaction) writeIncomingMessage(m *stun.Message, from TransportAddress) (handled, notStun bool) {
	if !t.checkActiveAndFrom(from) {
		return false, false
	}

	validFp := false
	if m.Contains(stun.AttrFingerprint) {
		validFp = stun.Fingerprint.Check(m) == nil
	}
	if t.fpRequired && !validFp {
		// a mandated fingerprint that fails means this is surely not
		// our STUN response
		return false, true
	}

	authed := false
	if t.hasIntegrity && m.Contains(stun.AttrMessageIntegrity) {
		authed = t.integrity.Check(m) == nil
	}

	t.processIncoming(m, authed, from)
	return true, false
}

func (t *Transaction) processIncoming(m *stun.Message, authed bool, from TransportAddress) {
	t.active = false
	t.stopTimer()
	if t.cancelled {
		return
	}

	t.pool.logger.Verbosef("matched response to existing request, elapsed=%s", time.Since(t.started))

	p := t.pool
	fromKey := from.normalized()
	unauthError := false

	if m.Type.Class == stun.ClassErrorResponse && p.longTermAuth {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(m); err == nil {
			if code.Code == stun.CodeUnauthorized {
				unauthError = true
			}

			if unauthError && !p.triedAuth[fromKey] {
				var realm stun.Realm
				var nonce stun.Nonce
				if realm.GetFrom(m) == nil && nonce.GetFrom(m) == nil {
					if p.realm == "" {
						p.realm = realm.String()
					}
					p.nonce = nonce.String()

					if !p.pendingAuth {
						if p.user != "" {
							p.triedAuth[fromKey] = true
							t.retry()
						} else {
							p.pendingAuth = true
							if p.onNeedAuthParams != nil {
								p.onNeedAuthParams(from)
							}
						}
					}
					return
				}
			} else if code.Code == stun.CodeStaleNonce && p.triedAuth[fromKey] {
				var nonce stun.Nonce
				if nonce.GetFrom(m) == nil && nonce.String() != p.nonce {
					p.nonce = nonce.String()
					t.retry()
					return
				}
			}
		}
	}

	// a response to an authenticated request must itself authenticate
	if !unauthError && t.hasIntegrity && !authed {
		return
	}

	p.remove(t)
	if t.onFinished != nil {
		t.onFinished(m, from)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
