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
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun/v3"

	"iceflow/pkg/iceerrors"
	"iceflow/pkg/loop"
)

var testServer = TransportAddress{Addr: netip.MustParseAddr("192.0.2.10"), Port: 3478}

func onLoop(t *testing.T, lp *loop.Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := lp.Post(func() { fn(); close(done) }); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop task did not run")
	}
}

func bindingBuilder(id TransactionID) (*stun.Message, error) {
	m := stun.New()
	m.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassRequest}
	m.TransactionID = id
	m.WriteHeader()
	return m, nil
}

func decodeRequest(t *testing.T, packet []byte) *stun.Message {
	t.Helper()
	m := &stun.Message{Raw: append([]byte(nil), packet...)}
	if err := m.Decode(); err != nil {
		t.Fatalf("outgoing packet does not decode: %v", err)
	}
	return m
}

func TestTransactionResponseRouting(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	sent := make(chan []byte, 16)
	pool := NewTransactionPool(&TransactionPoolConfig{
		Mode: ModeUDP,
		Loop: lp,
		OnOutgoingMessage: func(packet []byte, to TransportAddress) {
			sent <- packet
		},
	})

	finished := make(chan int, 2)
	newTx := func(n int) *Transaction {
		return NewTransaction(pool, &TransactionConfig{
			To:         testServer,
			Build:      bindingBuilder,
			OnFinished: func(*stun.Message, TransportAddress) { finished <- n },
			OnError:    func(err error) { t.Errorf("tx %d error: %v", n, err) },
			RTO:        time.Second,
		})
	}

	var tx1, tx2 *Transaction
	onLoop(t, lp, func() {
		tx1 = newTx(1)
		tx2 = newTx(2)
		tx1.Start()
		tx2.Start()
	})

	req1 := decodeRequest(t, <-sent)
	<-sent // tx2's request

	resp := stun.New()
	resp.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}
	resp.TransactionID = req1.TransactionID
	resp.WriteHeader()
	(&stun.XORMappedAddress{IP: []byte{203, 0, 113, 9}, Port: 40001}).AddTo(resp)

	onLoop(t, lp, func() {
		handled, notStun := pool.WriteIncomingMessage(resp.Raw, testServer)
		if !handled || notStun {
			t.Errorf("response not handled: handled=%v notStun=%v", handled, notStun)
		}
	})

	select {
	case n := <-finished:
		if n != 1 {
			t.Fatalf("response routed to transaction %d, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("no transaction finished")
	}
	select {
	case n := <-finished:
		t.Fatalf("transaction %d also saw the response", n)
	case <-time.After(50 * time.Millisecond):
	}

	onLoop(t, lp, func() { tx2.Cancel() })
	_ = tx1
}

func TestTransactionRetransmitAndTimeout(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	sent := make(chan []byte, 16)
	pool := NewTransactionPool(&TransactionPoolConfig{
		Mode:              ModeUDP,
		Loop:              lp,
		OnOutgoingMessage: func(packet []byte, to TransportAddress) { sent <- packet },
	})

	errCh := make(chan error, 1)
	onLoop(t, lp, func() {
		NewTransaction(pool, &TransactionConfig{
			To:      testServer,
			Build:   bindingBuilder,
			OnError: func(err error) { errCh <- err },
			RTO:     10 * time.Millisecond,
			Rc:      3,
			Rm:      2,
		}).Start()
	})

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("transaction never timed out")
	}
	if !errors.Is(err, iceerrors.ErrTimeout) {
		t.Fatalf("got %v, want timeout", err)
	}

	// Rc transmissions total, all with the same transaction id
	close(sent)
	var ids []TransactionID
	for packet := range sent {
		ids = append(ids, decodeRequest(t, packet).TransactionID)
	}
	if len(ids) != 3 {
		t.Fatalf("got %d transmissions, want 3", len(ids))
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatal("retransmission changed the transaction id")
		}
	}
}

func TestTransactionCancelSwallowsResponse(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	sent := make(chan []byte, 4)
	pool := NewTransactionPool(&TransactionPoolConfig{
		Mode:              ModeUDP,
		Loop:              lp,
		OnOutgoingMessage: func(packet []byte, to TransportAddress) { sent <- packet },
	})

	var tx *Transaction
	fired := make(chan struct{}, 2)
	onLoop(t, lp, func() {
		tx = NewTransaction(pool, &TransactionConfig{
			To:         testServer,
			Build:      bindingBuilder,
			OnFinished: func(*stun.Message, TransportAddress) { fired <- struct{}{} },
			OnError:    func(error) { fired <- struct{}{} },
			RTO:        20 * time.Millisecond,
			Rc:         2,
			Rm:         1,
		})
		tx.Start()
	})

	req := decodeRequest(t, <-sent)
	onLoop(t, lp, func() { tx.Cancel() })

	resp := stun.New()
	resp.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}
	resp.TransactionID = req.TransactionID
	resp.WriteHeader()

	onLoop(t, lp, func() {
		handled, _ := pool.WriteIncomingMessage(resp.Raw, testServer)
		if handled {
			t.Error("cancelled transaction consumed a response")
		}
	})

	select {
	case <-fired:
		t.Fatal("cancelled transaction emitted")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTransactionLongTermAuthRetry(t *testing.T) {
	const (
		user  = "alice"
		pass  = "s3cret"
		realm = "iceflow.test"
		nonce = "nonce-1"
	)

	lp := loop.New()
	defer lp.Stop()

	sent := make(chan []byte, 8)
	pool := NewTransactionPool(&TransactionPoolConfig{
		Mode:              ModeUDP,
		Loop:              lp,
		OnOutgoingMessage: func(packet []byte, to TransportAddress) { sent <- packet },
	})
	pool.SetLongTermAuthEnabled(true)
	pool.SetUsername(user)
	pool.SetPassword(pass)

	finished := make(chan *stun.Message, 1)
	onLoop(t, lp, func() {
		NewTransaction(pool, &TransactionConfig{
			To:         testServer,
			Build:      bindingBuilder,
			OnFinished: func(m *stun.Message, _ TransportAddress) { finished <- m },
			OnError:    func(err error) { t.Errorf("transaction error: %v", err) },
			RTO:        time.Second,
		}).Start()
	})

	// first attempt carries no credentials
	first := decodeRequest(t, <-sent)
	if first.Contains(stun.AttrUsername) {
		t.Fatal("initial request should be anonymous")
	}

	challenge := stun.New()
	challenge.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassErrorResponse}
	challenge.TransactionID = first.TransactionID
	challenge.WriteHeader()
	stun.CodeUnauthorized.AddTo(challenge)
	stun.NewRealm(realm).AddTo(challenge)
	stun.NewNonce(nonce).AddTo(challenge)

	onLoop(t, lp, func() { pool.WriteIncomingMessage(challenge.Raw, testServer) })

	// the retry must present username, realm, nonce and integrity
	second := decodeRequest(t, <-sent)
	if second.TransactionID == first.TransactionID {
		t.Fatal("auth retry must use a fresh transaction id")
	}
	var u stun.Username
	if err := u.GetFrom(second); err != nil || u.String() != user {
		t.Fatalf("retry username = %q (%v), want %q", u, err, user)
	}
	var rlm stun.Realm
	if err := rlm.GetFrom(second); err != nil || rlm.String() != realm {
		t.Fatalf("retry realm = %q (%v)", rlm, err)
	}
	if !second.Contains(stun.AttrMessageIntegrity) {
		t.Fatal("retry lacks MESSAGE-INTEGRITY")
	}
	integrity := stun.NewLongTermIntegrity(user, realm, pass)
	if err := integrity.Check(second); err != nil {
		t.Fatalf("retry integrity does not verify: %v", err)
	}

	ok := stun.New()
	ok.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassSuccessResponse}
	ok.TransactionID = second.TransactionID
	ok.WriteHeader()
	(&stun.XORMappedAddress{IP: []byte{203, 0, 113, 9}, Port: 40001}).AddTo(ok)
	integrity.AddTo(ok)

	onLoop(t, lp, func() { pool.WriteIncomingMessage(ok.Raw, testServer) })

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("authenticated exchange never finished")
	}
}

func TestBindingRoleConflict(t *testing.T) {
	lp := loop.New()
	defer lp.Stop()

	sent := make(chan []byte, 4)
	pool := NewTransactionPool(&TransactionPoolConfig{
		Mode:              ModeUDP,
		Loop:              lp,
		OnOutgoingMessage: func(packet []byte, to TransportAddress) { sent <- packet },
	})

	errCh := make(chan error, 1)
	onLoop(t, lp, func() {
		b := NewBinding(pool, &BindingConfig{
			OnError: func(err error) { errCh <- err },
		})
		b.SetICEControlling(0x1122334455667788)
		b.SetPriority(12345)
		b.StartTo(testServer)
	})

	req := decodeRequest(t, <-sent)
	if !req.Contains(stun.AttrICEControlling) || !req.Contains(stun.AttrPriority) {
		t.Fatal("check request lacks ICE attributes")
	}

	resp := stun.New()
	resp.Type = stun.MessageType{Method: stun.MethodBinding, Class: stun.ClassErrorResponse}
	resp.TransactionID = req.TransactionID
	resp.WriteHeader()
	stun.CodeRoleConflict.AddTo(resp)

	onLoop(t, lp, func() { pool.WriteIncomingMessage(resp.Raw, testServer) })

	select {
	case err := <-errCh:
		if !errors.Is(err, iceerrors.ErrRoleConflict) {
			t.Fatalf("got %v, want role conflict", err)
		}
	case <-time.After(time.Second):
		t.Fatal("binding never reported the conflict")
	}
}
