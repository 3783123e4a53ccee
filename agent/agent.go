// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

// Package agent attaches the interception engine to the host process. It
// wires the configuration, the logger, the resolver over the process image,
// the hook installer and the module registry, then activates every module
// registered statically with `module.Register()` or declared in the script
// file of the configuration.
//
// Attaching never fails from the host's point of view: agent errors and panics
// are caught and logged, and the host keeps running without instrumentation.
package agent

import (
	"io"
	"os"
	"sync"

	"github.com/ceiler/hookagent/hook"
	"github.com/ceiler/hookagent/image"
	"github.com/ceiler/hookagent/internal/config"
	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/ceiler/hookagent/internal/hklib/hksafe"
	"github.com/ceiler/hookagent/internal/plog"
	"github.com/ceiler/hookagent/internal/script"
	"github.com/ceiler/hookagent/module"
	"github.com/ceiler/hookagent/resolve"
)

// Name of the agent used to claim the methods it instruments.
const Name = "hookagent"

// Version of the agent.
const Version = "0.1.0"

const errorChanBufferLength = 256

// Options of the agent.
type Options struct {
	// Image of the host process. Read from the image manifest file of the
	// configuration when nil.
	Image *image.Image
	// Name of the host process. Overrides the configuration.
	Process string
	// Configuration of the agent. Read from the configuration file and the
	// environment when nil.
	Config *config.Config
	// Additional modules registered after the static ones.
	Modules []module.Descriptor
	// Log output. Defaults to stderr.
	LogOutput io.Writer
}

type Agent struct {
	logger    *plog.Logger
	config    *config.Config
	resolver  *resolve.Resolver
	installer *hook.Installer
	registry  *module.Registry
	errors    chan error
}

// Stats of the agent.
type Stats struct {
	Resolver resolve.Stats
	Hooks    hook.Stats
}

var agentInstance agentInstanceType

// agent instance holder type with synchronization
type agentInstanceType struct {
	attachOnce sync.Once
	// Instance pointer access R/W lock.
	instanceAccessLock sync.RWMutex
	instance           *Agent
}

func (instance *agentInstanceType) get() *Agent {
	instance.instanceAccessLock.RLock()
	defer instance.instanceAccessLock.RUnlock()
	return instance.instance
}

func (instance *agentInstanceType) set(agent *Agent) {
	instance.instanceAccessLock.Lock()
	defer instance.instanceAccessLock.Unlock()
	instance.instance = agent
}

// Attach attaches the agent to the host process and activates its modules.
// Only the first call has an effect, next ones return the same agent. It
// returns nil when the agent is disabled or could not be attached.
//
// The attachment is based on two levels of safe calls:
// - Level 1: a safe call to the agent initialization, returning the errors
//   and panics of the configuration, image and module loading.
// - Level 2: a safe call to the module activation. Module failures are
//   handled by the registry itself, so that only agent bugs reach this level.
//
// Errors and panics of both levels are logged and the agent is left
// detached when level 1 fails.
func Attach(opts Options) *Agent {
	agentInstance.attachOnce.Do(func() {
		out := opts.LogOutput
		if out == nil {
			out = os.Stderr
		}
		logger := plog.NewLogger(plog.Info, out, nil)
		err := hksafe.Call(func() error {
			// Level 1
			agent, err := New(opts)
			if err != nil {
				return err
			}
			if agent == nil {
				return nil
			}
			// Level 2
			if err := hksafe.Call(agent.Activate); err != nil {
				agent.logger.Error(hkerrors.Wrap(err, "agent: unexpected module activation error"))
			}
			agentInstance.set(agent)
			return nil
		})
		if err != nil {
			logger.Error(hkerrors.Wrap(err, "agent: could not attach"))
		}
	})
	return agentInstance.get()
}

// Attached returns the agent attached by Attach, nil when none.
func Attached() *Agent {
	return agentInstance.get()
}

// Report returns the status of the modules of the attached agent.
func Report() []module.Status {
	if agent := agentInstance.get(); agent != nil {
		return agent.Report()
	}
	return nil
}

// New creates an agent according to the options without activating its
// modules. It returns nil when the agent is disabled by the configuration.
func New(opts Options) (*Agent, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}

	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.New(plog.NewLogger(plog.Info, out, nil))
		if err != nil {
			return nil, err
		}
	}

	errChan := make(chan error, errorChanBufferLength)
	logger := plog.NewLogger(cfg.LogLevel(), out, errChan)
	logger.Infof("agent: %s v%s", Name, Version)

	if cfg.Disabled() {
		logger.Infof("agent: disabled by the configuration")
		return nil, nil
	}

	img := opts.Image
	if img == nil {
		path := cfg.ImageFile()
		if path == "" {
			return nil, hkerrors.New("agent: no process image given in the options or the configuration")
		}
		var err error
		img, err = image.LoadManifestFile(path)
		if err != nil {
			return nil, err
		}
		logger.Infof("agent: process image read from `%s`", path)
	}

	process := opts.Process
	if process == "" {
		process = cfg.Process()
	}

	resolver := resolve.New(img, logger)
	installer := hook.NewInstaller(Name, logger)
	agent := &Agent{
		logger:    logger,
		config:    cfg,
		resolver:  resolver,
		installer: installer,
		registry:  module.NewRegistry(logger, resolver, installer, process),
		errors:    errChan,
	}

	agent.register(module.Registered()...)
	agent.register(opts.Modules...)
	if path := cfg.ScriptsFile(); path != "" {
		descriptors, err := script.LoadFile(path)
		if err != nil {
			// Only script modules are lost.
			logger.Error(hkerrors.Wrapf(err, "agent: could not load the script modules of `%s`", path))
		} else {
			logger.Debugf("agent: %d script modules read from `%s`", len(descriptors), path)
			agent.register(descriptors...)
		}
	}
	return agent, nil
}

func (a *Agent) register(descriptors ...module.Descriptor) {
	for _, d := range descriptors {
		if err := a.registry.Register(d); err != nil {
			a.logger.Error(err)
		}
	}
}

// Activate configures and initializes the registered modules once.
func (a *Agent) Activate() error {
	a.registry.ActivateAll(a.config.Snapshot(a.registry.Keys()...))
	return nil
}

func (a *Agent) Report() []module.Status     { return a.registry.Report() }
func (a *Agent) Resolver() *resolve.Resolver { return a.resolver }
func (a *Agent) Installer() *hook.Installer  { return a.installer }
func (a *Agent) Logger() *plog.Logger        { return a.logger }

// Errors returns the channel of the errors logged by the agent. Errors are
// dropped when it is full.
func (a *Agent) Errors() <-chan error { return a.errors }

func (a *Agent) Stats() Stats {
	return Stats{
		Resolver: a.resolver.Stats(),
		Hooks:    a.installer.Stats(),
	}
}
