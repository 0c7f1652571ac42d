// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package control is the administrative entry of the device subsystem. It
// decodes control envelopes, executes the commands against the registry
// and encodes the results back.
package control

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Version of the control protocol returned by the version request.
const Version uint32 = 1

// Command selects the operation of a control envelope.
type Command uint32

const (
	StartDevice  Command = 1
	StopDevice   Command = 2
	GetMajor     Command = 3
	ListDevices  Command = 4
	NumOfDevices Command = 5
)

var commandNames = map[Command]string{
	StartDevice:  "start",
	StopDevice:   "stop",
	GetMajor:     "get_major",
	ListDevices:  "list",
	NumOfDevices: "num_of_devices",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}

	return fmt.Sprintf("command(%d)", uint32(c))
}

// Return values of a control request.
const (
	RetOK    int32 = 0
	RetFault int32 = -int32(unix.EFAULT)
	RetNoTTY int32 = -int32(unix.ENOTTY)
)

var (
	// Command was executed and failed, details are in Envelope.Error.
	ErrFault = errors.New("command failed")

	// Command is not known.
	ErrNoTTY = errors.New("unsupported command")
)

// Ret maps the error returned by Dispatch to the return value.
func Ret(err error) int32 {
	switch {
	case err == nil:
		return RetOK
	case errors.Is(err, ErrNoTTY):
		return RetNoTTY
	}

	return RetFault
}

// Transfer is one direction of the envelope. Buf is the payload, its
// length is the buf_size field on the wire.
type Transfer struct {
	WMajor uint32
	WMinor uint32
	LMajor uint32
	LMinor uint32
	DMajor uint32
	DMinor uint32
	Buf    []byte
}

// Envelope carries one command with its input (U2K) and output (K2U). The
// length of K2U.Buf on input is the output capacity offered by the caller.
type Envelope struct {
	Command Command
	ValInt  int32
	Error   int32
	U2K     Transfer
	K2U     Transfer
}
