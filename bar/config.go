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
	"fmt"

	"github.com/kilmu1337/pcileech-csi2host/pcie"
)

// errors
var (
	ErrBadConfig         = errors.New("bad controller config")
	ErrBadSlot           = errors.New("bad register space slot")
	ErrBadContext        = errors.New("bad read context")
	ErrResponderConflict = errors.New("more than one register space responded")
	ErrStalled           = errors.New("controller did not drain")
)

// NumSlots is the number of register space slots, one per BAR hit bit.
const NumSlots = 7

// Config sizes the controller queues.
type Config struct {
	// Completer ID placed in completion headers.
	CompleterID pcie.DeviceID

	// Write beats. The upstream is paused at WriteQueueNearFull; beats
	// arriving once the queue is full are dropped.
	WriteQueueDepth    int
	WriteQueueNearFull int

	// Read request beats.
	ReadQueueDepth    int
	ReadQueueNearFull int

	// Parsed read requests waiting for the splitter.
	DescriptorQueueDepth int
	// Bounded sub-requests waiting for the dword expander.
	ChunkQueueDepth int
	// Completion beats waiting for the transport.
	CompletionQueueDepth int
}

// DefaultConfig returns a config whose write queue holds a maximum size
// write request (256 payload beats plus header) after the pause threshold.
func DefaultConfig() Config {
	return Config{
		WriteQueueDepth:      512,
		WriteQueueNearFull:   256,
		ReadQueueDepth:       64,
		ReadQueueNearFull:    48,
		DescriptorQueueDepth: 16,
		ChunkQueueDepth:      4,
		CompletionQueueDepth: 64,
	}
}

func checkQueue(name string, depth, nearFull int) error {
	if depth < 1 {
		return fmt.Errorf("%w: %s depth %d, want >= 1", ErrBadConfig, name, depth)
	}
	if nearFull < 1 || nearFull > depth {
		return fmt.Errorf("%w: %s near full threshold %d, want 1..%d", ErrBadConfig, name, nearFull, depth)
	}
	return nil
}

// Validate checks queue sizes.
func (c *Config) Validate() error {
	if err := checkQueue("write queue", c.WriteQueueDepth, c.WriteQueueNearFull); err != nil {
		return err
	}
	if err := checkQueue("read queue", c.ReadQueueDepth, c.ReadQueueNearFull); err != nil {
		return err
	}
	if err := checkQueue("descriptor queue", c.DescriptorQueueDepth, c.DescriptorQueueDepth); err != nil {
		return err
	}
	if err := checkQueue("chunk queue", c.ChunkQueueDepth, c.ChunkQueueDepth); err != nil {
		return err
	}
	if c.CompletionQueueDepth < 2 {
		return fmt.Errorf("%w: completion queue depth %d, want >= 2", ErrBadConfig, c.CompletionQueueDepth)
	}
	return nil
}
