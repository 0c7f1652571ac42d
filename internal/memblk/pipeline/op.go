// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package pipeline

import "fmt"

// Kind of the block operation.
type Kind int

const (
	Read Kind = iota
	Write
	Discard
	Flush
)

var kindNames = [...]string{
	Read:    "read",
	Write:   "write",
	Discard: "discard",
	Flush:   "flush",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}

	return kindNames[k]
}

// Flag modifies the operation.
type Flag uint8

const (
	// All operations accepted before this one have to be applied before
	// it is executed. Implied by the Flush kind.
	FlagFlush Flag = 1 << iota

	// The operation must be durable before its completion.
	FlagFUA

	// Discard must really erase the data.
	FlagSecure
)

// Op is one block operation. Buf is used by reads and writes and must be
// exactly Count logical blocks long. Done is called exactly once for every
// accepted operation, from a pipeline goroutine.
type Op struct {
	Kind  Kind
	Flags Flag
	Block uint64
	Count uint32
	Buf   []byte
	Done  func(err error)
}

// IsFlush reports whether the operation is a barrier.
func (o *Op) IsFlush() bool {
	return o.Kind == Flush || o.Flags&FlagFlush != 0
}

// Pure barriers carry no data and never reach the execution stage.
func (o *Op) isEmptyFlush() bool {
	return o.IsFlush() && o.Count == 0
}

func (o *Op) String() string {
	return fmt.Sprintf("%s[%d+%d flags %03b]", o.Kind, o.Block, o.Count, o.Flags)
}
