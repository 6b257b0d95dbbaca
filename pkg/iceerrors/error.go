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

package iceerrors

import "errors"

var (
	ErrStopped            = errors.New("component is stopped")
	ErrStopping           = errors.New("component is stopping")
	ErrNotStarted         = errors.New("transport not started")
	ErrNoRelay            = errors.New("no active relay allocation")
	ErrCandidateNotFound  = errors.New("candidate not found")
	ErrTransportDead      = errors.New("transport no longer exists")
	ErrTimeout            = errors.New("transaction timed out")
	ErrRejected           = errors.New("server rejected the request")
	ErrProtocol           = errors.New("malformed response")
	ErrRoleConflict       = errors.New("ice role conflict")
	ErrAllocateMismatch   = errors.New("allocation mismatch")
	ErrTransactionActive  = errors.New("transaction already active")
	ErrChannelsExhausted  = errors.New("no free turn channel numbers")
	ErrPayloadTooLong     = errors.New("payload too long for channel data")
	ErrNotChannelData     = errors.New("not a channel data message")
	ErrShortBuffer        = errors.New("short buffer")
	ErrInvalidAddress     = errors.New("invalid transport address")
	ErrServiceAlreadySet  = errors.New("stun service can be set only before stunStart")
	ErrNoSRVRecords       = errors.New("no srv records for service")
	ErrProxyNotConfigured = errors.New("proxy not configured")
)
