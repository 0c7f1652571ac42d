// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package control

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/asch/memblk/internal/memblk/alldevs"
	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/pipeline"
	"github.com/asch/memblk/internal/memblk/platform"
	"github.com/asch/memblk/internal/memblk/store"
	"github.com/asch/memblk/internal/metrics"
)

var cmdMetric = metrics.NewOpMetric("memblk_control_cmds", "cmd")

// Per command result codes stored in Envelope.Error.
const (
	StartBadInputSize  int32 = -1
	StartBadOutputSize int32 = -2
	StartInvalidParam  int32 = -3
	StartLogDevInUse   int32 = -4
	StartDataDevInUse  int32 = -5
	StartPrepare       int32 = -6
	StartInsert        int32 = -7
	StartRegister      int32 = -8

	StopNotFound int32 = -1
	StopBadMajor int32 = -2
	ListBadInput int32 = -1
	ListBadRange int32 = -2

	// Any command which panicked.
	CommandPanicked int32 = -100
)

// Options to use in NewDispatcher() function.
type Options struct {
	// Major number of all devices.
	Major uint32

	Registry  *alldevs.Registry
	Engine    *pipeline.Engine
	Registrar platform.Registrar

	// Creates backing store of a new device.
	Store store.Factory
}

// Dispatcher executes control commands. It is safe for concurrent use.
type Dispatcher struct {
	major     uint32
	registry  *alldevs.Registry
	engine    *pipeline.Engine
	registrar platform.Registrar
	newStore  store.Factory
}

func NewDispatcher(o Options) *Dispatcher {
	return &Dispatcher{
		major:     o.Major,
		registry:  o.Registry,
		engine:    o.Engine,
		registrar: o.Registrar,
		newStore:  o.Store,
	}
}

func (d *Dispatcher) Major() uint32 {
	return d.major
}

// Failure of a command carrying its result code.
type failure struct {
	code  int32
	cause error
}

func (f *failure) Error() string {
	return fmt.Sprintf("error %d: %v", f.code, f.cause)
}

func fail(code int32, cause error) error {
	return &failure{code: code, cause: cause}
}

// Dispatch executes the command in env and fills in its results. The
// returned error maps to the return value with Ret(). Failed commands
// return error wrapping ErrFault, unknown commands ErrNoTTY.
func (d *Dispatcher) Dispatch(env *Envelope) (err error) {
	m := cmdMetric.Start(env.Command.String())

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Stringer("cmd", env.Command).
				Msg("Control command panicked.")
			env.Error = CommandPanicked
			err = errors.Wrapf(ErrFault, "%s: panic: %v", env.Command, r)
		}

		m.EndWithError(err)
	}()

	env.Error = 0

	switch env.Command {
	case StartDevice:
		err = d.start(env)
	case StopDevice:
		err = d.stop(env)
	case GetMajor:
		env.K2U.WMajor = d.major
	case ListDevices:
		err = d.list(env)
	case NumOfDevices:
		env.ValInt = clampInt32(d.registry.Count())
	default:
		log.Error().Stringer("cmd", env.Command).Msg("Command is not supported.")
		return errors.Wrapf(ErrNoTTY, "%s", env.Command)
	}

	var f *failure
	if errors.As(err, &f) {
		env.Error = f.code
		return errors.Wrapf(ErrFault, "%s: %s", env.Command, f)
	}

	return err
}

func (d *Dispatcher) start(env *Envelope) error {
	in, out := &env.U2K, &env.K2U

	if len(in.Buf) != StartParamSize {
		return fail(StartBadInputSize, errors.Errorf("input of %d bytes", len(in.Buf)))
	}
	if len(out.Buf) != StartParamSize {
		return fail(StartBadOutputSize, errors.Errorf("output of %d bytes", len(out.Buf)))
	}

	p, err := DecodeStartParam(in.Buf)
	if err != nil {
		return fail(StartInvalidParam, err)
	}
	if err := p.Validate(); err != nil {
		return fail(StartInvalidParam, err)
	}
	p = p.Normalize()

	ldev := dev.MakeDevT(in.LMajor, in.LMinor)
	ddev := dev.MakeDevT(in.DMajor, in.DMinor)
	if ldev == ddev {
		return fail(StartInvalidParam, errors.Wrapf(dev.ErrInvalidParam, "log and data device are both %s", ldev))
	}

	var wdev, doomed *alldevs.Device

	err = d.registry.Update(func(tx *alldevs.Tx) error {
		if tx.IsIdentityInUse(ldev) {
			return fail(StartLogDevInUse, errors.Wrapf(dev.ErrAlreadyInUse, "log device %s", ldev))
		}
		if tx.IsIdentityInUse(ddev) {
			return fail(StartDataDevInUse, errors.Wrapf(dev.ErrAlreadyInUse, "data device %s", ddev))
		}

		minor, err := d.resolveMinor(tx, in.WMinor)
		if err != nil {
			return fail(StartPrepare, err)
		}

		w, err := d.prepare(minor, ldev, ddev, p)
		if err != nil {
			return fail(StartPrepare, err)
		}

		if err := tx.Insert(w); err != nil {
			doomed = w
			return fail(StartInsert, err)
		}
		w.Advance(dev.Constructed, dev.Registered)

		if err := d.registrar.Register(w); err != nil {
			tx.Remove(w.Minor)
			doomed = w
			return fail(StartRegister, err)
		}

		wdev = w
		return nil
	})

	if doomed != nil {
		log.Error().Err(err).Stringer("dev", doomed.DevT()).Msg("Start failed, rolling back.")

		if err := doomed.Destroy(); err != nil {
			log.Error().Err(err).Stringer("dev", doomed.DevT()).Msg("Rollback failed to destroy device.")
		}
	}

	if err != nil {
		return err
	}

	wdev.Advance(dev.Registered, dev.Active)

	out.WMajor = d.major
	out.WMinor = wdev.Minor
	copy(out.Buf, EncodeStartParam(p))

	log.Info().Stringer("dev", wdev.DevT()).Stringer("ldev", ldev).Stringer("ddev", ddev).
		Str("capacity", humanize.IBytes(p.Size())).Uint32("bs", p.LogicalBS).
		Msg("Device started.")

	return nil
}

func (d *Dispatcher) resolveMinor(tx *alldevs.Tx, requested uint32) (uint32, error) {
	if requested == dev.DynamicMinor {
		return tx.AllocateFreeMinor()
	}

	minor := dev.DataMinor(requested)
	if minor >= dev.MaxMinor {
		return 0, errors.Wrapf(dev.ErrInvalidParam, "minor %d", requested)
	}

	return minor, nil
}

// Builds the device record with its store and queue. Nothing is published.
func (d *Dispatcher) prepare(minor uint32, ldev, ddev dev.DevT, p dev.StartParam) (*alldevs.Device, error) {
	id := dev.MakeDevT(d.major, minor)

	s, err := d.newStore(id, p)
	if err != nil {
		return nil, errors.Wrapf(err, "store of %s", id)
	}

	q := d.engine.NewQueue(s, p.LogicalBS)

	return alldevs.NewDevice(d.major, minor, ldev, ddev, p, s, q), nil
}

func (d *Dispatcher) stop(env *Envelope) error {
	if env.U2K.WMajor != d.major {
		return fail(StopBadMajor, errors.Errorf("major %d, ours is %d", env.U2K.WMajor, d.major))
	}

	if err := d.Stop(env.U2K.WMinor); err != nil {
		return fail(StopNotFound, err)
	}

	return nil
}

// Stop withdraws the device with the given minor, waits for its in-flight
// operations and destroys it. A concurrent Stop of the same device fails
// with dev.ErrNotFound.
func (d *Dispatcher) Stop(minor uint32) error {
	w, ok := d.registry.Lookup(minor)
	if !ok {
		return errors.Wrapf(dev.ErrNotFound, "minor %d", minor)
	}

	if !w.Advance(dev.Active, dev.Unregistering) {
		return errors.Wrapf(dev.ErrNotFound, "minor %d is %s", minor, w.State())
	}

	// Unregistration drains the device and must not hold the registry.
	// Its failure is only logged, the device is removed and destroyed
	// anyway. Destroy closes the queue again, hence a Registrar must not
	// rely on the queue surviving a failed Unregister.
	if err := d.registrar.Unregister(w); err != nil {
		log.Error().Err(err).Stringer("dev", w.DevT()).Msg("Unregister failed.")
	}

	d.registry.Remove(minor)

	if err := w.Destroy(); err != nil {
		log.Error().Err(err).Stringer("dev", w.DevT()).Msg("Destroy failed.")
	}

	log.Info().Stringer("dev", w.DevT()).Msg("Device stopped.")

	return nil
}

func (d *Dispatcher) list(env *Envelope) error {
	in := env.U2K.Buf
	if len(in) < 8 {
		return fail(ListBadInput, errors.Errorf("input of %d bytes", len(in)))
	}
	min, max := le.Uint32(in[0:]), le.Uint32(in[4:])

	limit := len(env.K2U.Buf) / DiskDataSize
	devs, total, err := d.registry.ListRange(min, max, limit)
	if err != nil {
		return fail(ListBadRange, err)
	}

	out := env.K2U.Buf[:len(devs)*DiskDataSize]
	for i, w := range devs {
		putDiskData(out[i*DiskDataSize:], w.DiskData())
	}
	env.K2U.Buf = out
	env.ValInt = clampInt32(total)

	return nil
}

func clampInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}

	return int32(n)
}
