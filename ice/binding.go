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
	"encoding/binary"
	"errors"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"

	"iceflow/pkg/iceerrors"
)

// Binding is a STUN Binding client over a transaction pool. A local
// transport uses it to learn its server-reflexive address; the check
// engine uses it, with the ICE attributes below, to validate candidate
// pairs.
type Binding struct {
	pool  *TransactionPool
	trans *Transaction

	user, pass  string
	fpRequired  bool
	useCand     bool
	priority    uint32
	hasPriority bool

	controlling    uint64
	hasControlling bool
	controlled     uint64
	hasControlled  bool
	software       string
	reflexive      TransportAddress

	// timer overrides, zero = defaults
	rto time.Duration
	rc  int
	rm  int

	onSuccess func(reflexive TransportAddress)
	onError   func(err error)
}

// BindingConfig configures a Binding.
type BindingConfig struct {
	OnSuccess func(reflexive TransportAddress)
	OnError   func(err error)
}

// NewBinding creates a Binding on the pool.
func NewBinding(pool *TransactionPool, cfg *BindingConfig) *Binding {
	return &Binding{
		pool:      pool,
		onSuccess: cfg.OnSuccess,
		onError:   cfg.OnError,
	}
}

// SetShortTermCredentials installs the ICE short-term username/password
// pair used for connectivity checks.
func (b *Binding) SetShortTermCredentials(user, pass string) {
	b.user, b.pass = user, pass
}

// SetFingerprintRequired demands a valid FINGERPRINT on responses.
func (b *Binding) SetFingerprintRequired(required bool) { b.fpRequired = required }

// SetUseCandidate adds the USE-CANDIDATE flag to the request.
func (b *Binding) SetUseCandidate(enabled bool) { b.useCand = enabled }

// SetPriority adds the PRIORITY attribute (peer-reflexive priority of the
// candidate the check is sent from).
func (b *Binding) SetPriority(p uint32) {
	b.priority = p
	b.hasPriority = true
}

// SetICEControlling adds ICE-CONTROLLING with the agent's tie-breaker.
// Mutually exclusive with SetICEControlled.
func (b *Binding) SetICEControlling(tieBreaker uint64) {
	b.controlling = tieBreaker
	b.hasControlling = true
	b.hasControlled = false
}

// SetICEControlled adds ICE-CONTROLLED with the agent's tie-breaker.
// Mutually exclusive with SetICEControlling.
func (b *Binding) SetICEControlled(tieBreaker uint64) {
	b.controlled = tieBreaker
	b.hasControlled = true
	b.hasControlling = false
}

// SetSoftware adds the SOFTWARE attribute to requests.
func (b *Binding) SetSoftware(s string) { b.software = s }

// SetTimers overrides the RFC 5389 retransmission parameters; zero fields
// keep the defaults. Must be called before Start.
func (b *Binding) SetTimers(rto time.Duration, rc, rm int) {
	b.rto, b.rc, b.rm = rto, rc, rm
}

// ReflexiveAddress returns the mapped address after success.
func (b *Binding) ReflexiveAddress() TransportAddress { return b.reflexive }

// Start sends an un-pinned Binding request (server discovery).
func (b *Binding) Start() { b.start(TransportAddress{}) }

// StartTo pins the Binding to a specific peer (connectivity check).
func (b *Binding) StartTo(addr TransportAddress) { b.start(addr) }

func (b *Binding) start(to TransportAddress) {
	b.trans = NewTransaction(b.pool, &TransactionConfig{
		To:                  to,
		Build:               b.buildRequest,
		OnFinished:          b.finished,
		OnError:             b.failed,
		ShortTermUser:       b.user,
		ShortTermPass:       b.pass,
		FingerprintRequired: b.fpRequired,
		RTO:                 b.rto,
		Rc:                  b.rc,
		Rm:                  b.rm,
	})
	b.trans.Start()
}

// Cancel aborts the exchange; nothing is emitted.
func (b *Binding) Cancel() {
	if b.trans != nil {
		b.trans.Cancel()
		b.trans = nil
	}
}

func (b *Binding) buildRequest(id TransactionID) (*stun.Message, error) {
	m := stun.New()
	m.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassRequest}
	m.TransactionID = id
	m.WriteHeader()

	if b.software != "" {
		if err := stun.NewSoftware(b.software).AddTo(m); err != nil {
			return nil, err
		}
	}
	if b.hasPriority {
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], b.priority)
		m.Add(stun.AttrPriority, v[:])
	}
	if b.useCand {
		m.Add(stun.AttrUseCandidate, nil)
	}
	if b.hasControlling {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], b.controlling)
		m.Add(stun.AttrICEControlling, v[:])
	}
	if b.hasControlled {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], b.controlled)
		m.Add(stun.AttrICEControlled, v[:])
	}

	return m, nil
}

func (b *Binding) failed(err error) {
	b.trans = nil
	if b.onError != nil {
		b.onError(err)
	}
}

func (b *Binding) finished(m *stun.Message, from TransportAddress) {
	b.trans = nil

	if m.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(m); err != nil {
			b.emitError(iceerrors.ErrProtocol)
			return
		}
		if code.Code == stun.CodeRoleConflict {
			b.emitError(iceerrors.ErrRoleConflict)
		} else {
			b.emitError(iceerrors.ErrRejected)
		}
		return
	}

	var xorMapped stun.XORMappedAddress
	if err := xorMapped.GetFrom(m); err == nil {
		b.reflexive = addrFromXOR(xorMapped)
	} else {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(m); err != nil {
			b.emitError(iceerrors.ErrProtocol)
			return
		}
		b.reflexive = addrFromMapped(mapped)
	}

	if !b.reflexive.IsValid() {
		b.emitError(iceerrors.ErrProtocol)
		return
	}
	if b.onSuccess != nil {
		b.onSuccess(b.reflexive)
	}
}

func (b *Binding) emitError(err error) {
	if b.onError != nil {
		b.onError(err)
	}
}

// IsTimeout reports whether a binding/transaction error was a timeout.
func IsTimeout(err error) bool { return errors.Is(err, iceerrors.ErrTimeout) }

func addrFromXOR(x stun.XORMappedAddress) TransportAddress {
	ip, ok := netip.AddrFromSlice(x.IP)
	if !ok {
		return TransportAddress{}
	}
	return TransportAddress{Addr: ip.Unmap(), Port: x.Port}
}

func addrFromMapped(m stun.MappedAddress) TransportAddress {
	ip, ok := netip.AddrFromSlice(m.IP)
	if !ok {
		return TransportAddress{}
	}
	return TransportAddress{Addr: ip.Unmap(), Port: m.Port}
}
