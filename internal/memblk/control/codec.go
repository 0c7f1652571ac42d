// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk/dev"
)

// Request kinds, the first word of every request frame.
const (
	ReqVersion uint32 = 1
	ReqControl uint32 = 2
)

const (
	// Largest payload accepted in either direction.
	MaxBufSize = 1 << 20

	HeaderSize     = 3*4 + 2*transferSize
	StartParamSize = 16
	DiskDataSize   = 24

	transferSize = 7 * 4
)

var ErrMalformed = errors.New("malformed control frame")

var le = binary.LittleEndian

// EncodeRequest returns the request frame for env. The K2U payload is not
// sent, only its size.
func EncodeRequest(env *Envelope) []byte {
	b := make([]byte, 4+HeaderSize+len(env.U2K.Buf))
	le.PutUint32(b, ReqControl)
	putHeader(b[4:], env)
	copy(b[4+HeaderSize:], env.U2K.Buf)

	return b
}

// DecodeRequest parses the control request frame without the leading
// request word. K2U.Buf is allocated with the announced capacity.
func DecodeRequest(b []byte) (*Envelope, error) {
	env, u2kSize, k2uSize, err := getHeader(b)
	if err != nil {
		return nil, err
	}

	payload := b[HeaderSize:]
	if uint32(len(payload)) != u2kSize {
		return nil, errors.Wrapf(ErrMalformed, "u2k payload %d bytes, header says %d",
			len(payload), u2kSize)
	}

	if u2kSize > 0 {
		env.U2K.Buf = append([]byte(nil), payload...)
	}
	if k2uSize > 0 {
		env.K2U.Buf = make([]byte, k2uSize)
	}

	return env, nil
}

// EncodeReply returns the reply frame: return value, header and the K2U
// payload.
func EncodeReply(ret int32, env *Envelope) []byte {
	b := make([]byte, 4+HeaderSize+len(env.K2U.Buf))
	le.PutUint32(b, uint32(ret))
	putHeader(b[4:], env)
	copy(b[4+HeaderSize:], env.K2U.Buf)

	return b
}

// DecodeReply parses the reply frame. The U2K payload is not part of it.
func DecodeReply(b []byte) (int32, *Envelope, error) {
	if len(b) < 4 {
		return 0, nil, errors.Wrapf(ErrMalformed, "reply of %d bytes", len(b))
	}
	ret := int32(le.Uint32(b))

	env, _, k2uSize, err := getHeader(b[4:])
	if err != nil {
		return 0, nil, err
	}

	payload := b[4+HeaderSize:]
	if uint32(len(payload)) != k2uSize {
		return 0, nil, errors.Wrapf(ErrMalformed, "k2u payload %d bytes, header says %d",
			len(payload), k2uSize)
	}
	if k2uSize > 0 {
		env.K2U.Buf = append([]byte(nil), payload...)
	}

	return ret, env, nil
}

func putHeader(b []byte, env *Envelope) {
	le.PutUint32(b[0:], uint32(env.Command))
	le.PutUint32(b[4:], uint32(env.ValInt))
	le.PutUint32(b[8:], uint32(env.Error))
	putTransfer(b[12:], &env.U2K)
	putTransfer(b[12+transferSize:], &env.K2U)
}

func putTransfer(b []byte, t *Transfer) {
	for i, v := range [...]uint32{t.WMajor, t.WMinor, t.LMajor, t.LMinor, t.DMajor, t.DMinor,
		uint32(len(t.Buf))} {

		le.PutUint32(b[4*i:], v)
	}
}

// Returns the envelope without payloads and the announced payload sizes.
func getHeader(b []byte) (*Envelope, uint32, uint32, error) {
	if len(b) < HeaderSize {
		return nil, 0, 0, errors.Wrapf(ErrMalformed, "header of %d bytes", len(b))
	}

	env := &Envelope{
		Command: Command(le.Uint32(b[0:])),
		ValInt:  int32(le.Uint32(b[4:])),
		Error:   int32(le.Uint32(b[8:])),
	}
	u2kSize := getTransfer(b[12:], &env.U2K)
	k2uSize := getTransfer(b[12+transferSize:], &env.K2U)

	if u2kSize > MaxBufSize || k2uSize > MaxBufSize {
		return nil, 0, 0, errors.Wrapf(ErrMalformed, "buffer sizes %d/%d over limit",
			u2kSize, k2uSize)
	}

	return env, u2kSize, k2uSize, nil
}

func getTransfer(b []byte, t *Transfer) uint32 {
	for i, f := range [...]*uint32{&t.WMajor, &t.WMinor, &t.LMajor, &t.LMinor, &t.DMajor, &t.DMinor} {
		*f = le.Uint32(b[4*i:])
	}

	return le.Uint32(b[24:])
}

func EncodeStartParam(p dev.StartParam) []byte {
	b := make([]byte, StartParamSize)
	le.PutUint32(b[0:], p.LogicalBS)
	le.PutUint32(b[4:], p.PhysicalBS)
	le.PutUint64(b[8:], p.Capacity)

	return b
}

func DecodeStartParam(b []byte) (dev.StartParam, error) {
	if len(b) != StartParamSize {
		return dev.StartParam{}, errors.Wrapf(ErrMalformed, "start param of %d bytes", len(b))
	}

	return dev.StartParam{
		LogicalBS:  le.Uint32(b[0:]),
		PhysicalBS: le.Uint32(b[4:]),
		Capacity:   le.Uint64(b[8:]),
	}, nil
}

func putDiskData(b []byte, d dev.DiskData) {
	le.PutUint32(b[0:], d.Major)
	le.PutUint32(b[4:], d.Minor)
	le.PutUint64(b[8:], d.Capacity)
	le.PutUint32(b[16:], d.LogicalBS)
	le.PutUint32(b[20:], d.PhysicalBS)
}

// DecodeDiskData parses densely packed device summaries.
func DecodeDiskData(b []byte) ([]dev.DiskData, error) {
	if len(b)%DiskDataSize != 0 {
		return nil, errors.Wrapf(ErrMalformed, "disk data of %d bytes", len(b))
	}

	dd := make([]dev.DiskData, 0, len(b)/DiskDataSize)
	for ; len(b) > 0; b = b[DiskDataSize:] {
		dd = append(dd, dev.DiskData{
			Major:      le.Uint32(b[0:]),
			Minor:      le.Uint32(b[4:]),
			Capacity:   le.Uint64(b[8:]),
			LogicalBS:  le.Uint32(b[16:]),
			PhysicalBS: le.Uint32(b[20:]),
		})
	}

	return dd, nil
}

// EncodeMinorRange is the ListDevices input.
func EncodeMinorRange(min, max uint32) []byte {
	b := make([]byte, 8)
	le.PutUint32(b[0:], min)
	le.PutUint32(b[4:], max)

	return b
}
