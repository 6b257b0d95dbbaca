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

import "testing"

func TestDefaultPriority(t *testing.T) {
	cases := []struct {
		name        string
		typ         CandidateType
		localPref   int
		isVPN       bool
		componentID int
		want        uint32
	}{
		{"host single nic", HostType, 65535, false, 1, 126<<24 + 65535<<8 + 255},
		{"host on vpn", HostType, 65535, true, 1, 65535<<8 + 255},
		{"srflx", ServerReflexiveType, 65535, false, 1, 100<<24 + 65535<<8 + 255},
		{"prflx", PeerReflexiveType, 65535, false, 1, 110<<24 + 65535<<8 + 255},
		{"relay", RelayedType, 65535, false, 1, 65535<<8 + 255},
		{"second component", HostType, 65535, false, 2, 126<<24 + 65535<<8 + 254},
		{"second nic", HostType, 65534, false, 1, 126<<24 + 65534<<8 + 255},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := defaultPriority(tc.typ, tc.localPref, tc.isVPN, tc.componentID)
			if got != tc.want {
				t.Fatalf("priority = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCalcPriorityRangeChecks(t *testing.T) {
	for _, tc := range []struct {
		name                             string
		typePref, localPref, componentID int
	}{
		{"type pref too big", 127, 0, 1},
		{"negative local pref", 100, -1, 1},
		{"component zero", 100, 0, 0},
		{"component too big", 100, 0, 257},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			calcPriority(tc.typePref, tc.localPref, tc.componentID)
		})
	}
}

func TestCandidateTypeString(t *testing.T) {
	want := map[CandidateType]string{
		HostType:            "host",
		PeerReflexiveType:   "prflx",
		ServerReflexiveType: "srflx",
		RelayedType:         "relay",
	}
	for typ, s := range want {
		if typ.String() != s {
			t.Errorf("%d.String() = %q, want %q", typ, typ.String(), s)
		}
	}
}
