// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"bufio"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/asch/memblk/internal/memblk/dev"
)

// Client talks to the control Server. Requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", path)
	}

	return NewClient(conn), nil
}

func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(frame []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFrame(c.conn, frame); err != nil {
		return nil, errors.Wrap(err, "send request")
	}

	reply, err := readFrame(c.r)
	if err != nil {
		return nil, errors.Wrap(err, "receive reply")
	}

	return reply, nil
}

// Version returns protocol version of the server.
func (c *Client) Version() (uint32, error) {
	b := make([]byte, 4)
	le.PutUint32(b, ReqVersion)

	reply, err := c.roundTrip(b)
	if err != nil {
		return 0, err
	}

	if len(reply) != 4 {
		ret, _, err := DecodeReply(reply)
		if err != nil {
			return 0, err
		}
		return 0, errors.Wrapf(ErrFault, "version request returned %d", ret)
	}

	return le.Uint32(reply), nil
}

// Do sends env and returns the return value with the envelope filled in
// by the server. Error means the exchange itself failed.
func (c *Client) Do(env *Envelope) (int32, *Envelope, error) {
	reply, err := c.roundTrip(EncodeRequest(env))
	if err != nil {
		return 0, nil, err
	}

	return DecodeReply(reply)
}

// Does env and turns failed commands into errors.
func (c *Client) call(env *Envelope) (*Envelope, error) {
	ret, out, err := c.Do(env)
	if err != nil {
		return nil, err
	}

	switch ret {
	case RetOK:
		return out, nil
	case RetNoTTY:
		return nil, errors.Wrapf(ErrNoTTY, "%s", env.Command)
	}

	return nil, errors.Wrapf(ErrFault, "%s: error %d", env.Command, out.Error)
}

// Start starts the device on top of ldev and ddev. The minor is either an
// even number or dev.DynamicMinor. Returns identity and the effective
// parameters of the new device.
func (c *Client) Start(minor uint32, ldev, ddev dev.DevT, p dev.StartParam) (dev.DevT, dev.StartParam, error) {
	env := &Envelope{
		Command: StartDevice,
		U2K: Transfer{
			WMinor: minor,
			LMajor: ldev.Major, LMinor: ldev.Minor,
			DMajor: ddev.Major, DMinor: ddev.Minor,
			Buf: EncodeStartParam(p),
		},
		K2U: Transfer{Buf: make([]byte, StartParamSize)},
	}

	out, err := c.call(env)
	if err != nil {
		return dev.DevT{}, dev.StartParam{}, err
	}

	eff, err := DecodeStartParam(out.K2U.Buf)
	if err != nil {
		return dev.DevT{}, dev.StartParam{}, err
	}

	return dev.MakeDevT(out.K2U.WMajor, out.K2U.WMinor), eff, nil
}

func (c *Client) Stop(id dev.DevT) error {
	_, err := c.call(&Envelope{
		Command: StopDevice,
		U2K:     Transfer{WMajor: id.Major, WMinor: id.Minor},
	})

	return err
}

func (c *Client) Major() (uint32, error) {
	out, err := c.call(&Envelope{Command: GetMajor})
	if err != nil {
		return 0, err
	}

	return out.K2U.WMajor, nil
}

// List returns at most capacity summaries of devices with minor in
// [min, max) and the number of all such devices. Zero capacity only counts.
func (c *Client) List(min, max uint32, capacity int) ([]dev.DiskData, int, error) {
	out, err := c.call(&Envelope{
		Command: ListDevices,
		U2K:     Transfer{Buf: EncodeMinorRange(min, max)},
		K2U:     Transfer{Buf: make([]byte, capacity*DiskDataSize)},
	})
	if err != nil {
		return nil, 0, err
	}

	dd, err := DecodeDiskData(out.K2U.Buf)
	if err != nil {
		return nil, 0, err
	}

	return dd, int(out.ValInt), nil
}

func (c *Client) Count() (int, error) {
	out, err := c.call(&Envelope{Command: NumOfDevices})
	if err != nil {
		return 0, err
	}

	return int(out.ValInt), nil
}
