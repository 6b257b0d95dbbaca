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

// Package ice gathers local ICE candidates (RFC 8445) and carries
// datagrams over the resulting paths. A Component owns one local UDP
// transport per interface address plus an optional TCP TURN transport,
// drives STUN Binding (RFC 5389) and TURN allocations (RFC 8656) over
// them, and emits host, server-reflexive, relayed and peer-reflexive
// candidates as they become known.
//
// Pair formation, check scheduling and nomination belong to a
// surrounding agent; this package supplies the candidates, the
// per-candidate datagram I/O, the Binding transaction it needs for
// connectivity checks, and the peer-reflexive hooks it calls back into.
package ice
