// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bar

import (
	"errors"
	"testing"
)

func TestQueue(t *testing.T) {
	q := NewQueue[int]("Q", 3, 2)
	if _, ok := q.TryPop(); ok {
		t.Fatalf("TryPop() on empty queue succeeded")
	}
	for i := 0; i < 3; i++ {
		if !q.TryPush(i) {
			t.Fatalf("TryPush(%d) = false", i)
		}
		if got, want := q.NearFull(), i >= 1; got != want {
			t.Errorf("NearFull() with %d elements = %v, want %v", i+1, got, want)
		}
	}
	if q.TryPush(3) {
		t.Errorf("TryPush() on full queue succeeded")
	}
	if q.Free() != 0 || q.Len() != 3 || q.Cap() != 3 {
		t.Errorf("Free/Len/Cap = %d/%d/%d, want 0/3/3", q.Free(), q.Len(), q.Cap())
	}
	if v, ok := q.Peek(); !ok || v != 0 {
		t.Errorf("Peek() = %d, %v, want 0, true", v, ok)
	}
	for i := 0; i < 3; i++ {
		if v, ok := q.TryPop(); !ok || v != i {
			t.Errorf("TryPop() = %d, %v, want %d, true", v, ok, i)
		}
	}
	q.TryPush(7)
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", q.Len())
	}
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"zero write depth", func(c *Config) { c.WriteQueueDepth = 0 }},
		{"write threshold above depth", func(c *Config) { c.WriteQueueNearFull = c.WriteQueueDepth + 1 }},
		{"zero read threshold", func(c *Config) { c.ReadQueueNearFull = 0 }},
		{"zero descriptor depth", func(c *Config) { c.DescriptorQueueDepth = 0 }},
		{"zero chunk depth", func(c *Config) { c.ChunkQueueDepth = 0 }},
		{"completion depth 1", func(c *Config) { c.CompletionQueueDepth = 1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrBadConfig) {
				t.Errorf("Validate() = %v, want ErrBadConfig", err)
			}
		})
	}
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestBufferName(t *testing.T) {
	for name, want := range map[string]string{
		"BAR.WriteQueue": "BAR.WriteQueue",
		"bar.writeQueue": "Bar.WriteQueue",
		"out":            "Out",
		"":               "Q",
		"bar..7":         "Bar.Q.Q7",
	} {
		if got := bufferName(name); got != want {
			t.Errorf("bufferName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestQueueAcceptsLowerCaseName(t *testing.T) {
	q := NewQueue[int]("bar.scratch", 1, 1)
	if !q.TryPush(1) {
		t.Errorf("TryPush() = false on an empty queue")
	}
}

func TestNewDefaultConfig(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New(DefaultConfig()) = _, %v, want nil err", err)
	}
	c.Tick()
	if !c.Idle() || !c.Ready() {
		t.Errorf("Idle() = %v, Ready() = %v, want both true", c.Idle(), c.Ready())
	}
}
