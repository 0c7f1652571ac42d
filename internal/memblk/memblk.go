// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package memblk

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/asch/memblk/internal/config"
	"github.com/asch/memblk/internal/memblk/alldevs"
	"github.com/asch/memblk/internal/memblk/control"
	"github.com/asch/memblk/internal/memblk/dev"
	"github.com/asch/memblk/internal/memblk/pipeline"
	"github.com/asch/memblk/internal/memblk/platform"
	"github.com/asch/memblk/internal/memblk/store"
	"github.com/asch/memblk/internal/memblk/store/objproxy"
	"github.com/asch/memblk/internal/memblk/store/s3"
)

var (
	ErrInitialized    = errors.New("memblk already initialized")
	ErrNotInitialized = errors.New("memblk not initialized")
)

// Options to use in Init() function.
type Options struct {
	// Major number of all devices.
	Major uint32

	Pipeline pipeline.Options

	// Backing store of new devices.
	Store store.Kind

	// Used only with store.KindS3.
	S3          s3.Options
	Uploaders   int
	Downloaders int
}

// Process-wide state, valid between Init and Exit.
var state struct {
	sync.Mutex

	engine     *pipeline.Engine
	registry   *alldevs.Registry
	table      *platform.Table
	dispatcher *control.Dispatcher
	proxy      *objproxy.ObjectProxy
}

// OptionsFromConfig returns Options filled from config.Cfg.
func OptionsFromConfig() (Options, error) {
	kind, err := store.ParseKind(config.Cfg.Store.Kind)
	if err != nil {
		return Options{}, err
	}

	return Options{
		Major: uint32(config.Cfg.Major),
		Pipeline: pipeline.Options{
			Workers:         config.Cfg.Pipeline.Workers,
			QueueDepth:      config.Cfg.Pipeline.QueueDepth,
			CompletionDelay: config.Cfg.Pipeline.CompletionDelay,
		},
		Store: kind,
		S3: s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.S3.Bucket,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		},
		Uploaders:   config.Cfg.S3.Uploaders,
		Downloaders: config.Cfg.S3.Downloaders,
	}, nil
}

// Init builds the subsystem and returns the dispatcher of control commands.
// It has to be called once before any device is started.
func Init(o Options) (*control.Dispatcher, error) {
	state.Lock()
	defer state.Unlock()

	if state.dispatcher != nil {
		return nil, ErrInitialized
	}

	factory, proxy, err := newFactory(o)
	if err != nil {
		return nil, err
	}

	state.engine = pipeline.New(o.Pipeline)
	state.registry = alldevs.New()
	state.table = platform.NewTable()
	state.proxy = proxy
	state.dispatcher = control.NewDispatcher(control.Options{
		Major:     o.Major,
		Registry:  state.registry,
		Engine:    state.engine,
		Registrar: state.table,
		Store:     factory,
	})

	log.Info().Uint32("major", o.Major).Str("store", string(o.Store)).Msg("Memblk initialized.")

	return state.dispatcher, nil
}

// Platform returns the table routing block operations to started devices.
func Platform() *platform.Table {
	state.Lock()
	defer state.Unlock()

	return state.table
}

// Exit stops all live devices in parallel and tears the subsystem down.
func Exit() error {
	state.Lock()
	defer state.Unlock()

	if state.dispatcher == nil {
		return ErrNotInitialized
	}

	devs := state.registry.All()

	var g errgroup.Group
	for _, d := range devs {
		minor := d.Minor
		g.Go(func() error {
			return state.dispatcher.Stop(minor)
		})
	}
	err := g.Wait()

	state.engine.Close()
	if state.proxy != nil {
		state.proxy.Close()
	}

	log.Info().Int("devices", len(devs)).Msg("Memblk exited.")

	state.engine = nil
	state.registry = nil
	state.table = nil
	state.dispatcher = nil
	state.proxy = nil

	return err
}

// Returns store factory for the kind in o. The object store needs the proxy
// shared by all devices, which is returned as well.
func newFactory(o Options) (store.Factory, *objproxy.ObjectProxy, error) {
	switch o.Store {
	case store.KindMem, "":
		return func(_ dev.DevT, p dev.StartParam) (store.Store, error) {
			return store.NewMem(p), nil
		}, nil, nil

	case store.KindNull:
		return func(_ dev.DevT, p dev.StartParam) (store.Store, error) {
			return store.NewNull(p), nil
		}, nil, nil

	case store.KindS3:
		backend, err := s3.New(o.S3)
		if err != nil {
			return nil, nil, errors.Wrap(err, "s3 backend")
		}

		proxy := objproxy.New(backend, o.Uploaders, o.Downloaders)

		return func(id dev.DevT, p dev.StartParam) (store.Store, error) {
			s, err := store.NewObject(proxy, id, p)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, proxy, nil
	}

	return nil, nil, errors.Wrapf(store.ErrUnknownKind, "%q", o.Store)
}
