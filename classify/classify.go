// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package classify turns decoded hardware buffer entries into
// gild.Events by resolving them against a registry.
package classify

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mknyszek/gild"
	"github.com/mknyszek/gild/registry"
)

var (
	ErrNoMatchingRange   = errors.New("no matching memory range")
	ErrNoMatchingChannel = errors.New("no matching channel")
)

// EngineInfo describes the sub-context layout of an MMU engine.
type EngineInfo struct {
	// SubctxAware engines report a distinct MMU engine id per
	// sub-context, starting at StartMmuEngineID.
	SubctxAware      bool
	StartMmuEngineID uint32
	MaxSubctx        uint32
}

// EngineKey identifies an engine for EngineInfo lookups.
type EngineKey struct {
	Subdevice uint32
	Client    uint32
	EngineID  uint32
}

// EngineQuerier looks up engine information, typically from the
// driver. Results are cached by the Classifier, so each key is
// queried at most once.
type EngineQuerier interface {
	QueryEngine(key EngineKey) (EngineInfo, error)
}

// StaticEngines is an EngineQuerier backed by a fixed table.
// Engines missing from the table are not sub-context aware.
type StaticEngines map[EngineKey]EngineInfo

func (s StaticEngines) QueryEngine(key EngineKey) (EngineInfo, error) {
	return s[key], nil
}

// recoverable maps non-replayable fault types to whether the
// faulting engine can recover from them.
var recoverable = [...]bool{
	gild.FaultPDE:             true,
	gild.FaultPDESize:         true,
	gild.FaultPTE:             true,
	gild.FaultROViolation:     true,
	gild.FaultWOViolation:     true,
	gild.FaultAtomicViolation: true,
}

// Recoverable reports whether a non-replayable fault of type ft is
// routed as a recoverable fault rather than escalated as fatal.
func Recoverable(ft gild.FaultType) bool {
	return int(ft) < len(recoverable) && recoverable[ft]
}

// Classifier resolves entries against a registry. It is safe for
// concurrent use.
type Classifier struct {
	reg     *registry.Registry
	engines EngineQuerier
	log     *slog.Logger

	mu    sync.Mutex
	cache map[EngineKey]EngineInfo
}

// New returns a Classifier. log may be nil.
func New(reg *registry.Registry, engines EngineQuerier, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if engines == nil {
		engines = StaticEngines(nil)
	}
	return &Classifier{
		reg:     reg,
		engines: engines,
		log:     log,
		cache:   make(map[EngineKey]EngineInfo),
	}
}

func (c *Classifier) engine(key EngineKey) (EngineInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info, ok := c.cache[key]; ok {
		return info, nil
	}
	info, err := c.engines.QueryEngine(key)
	if err != nil {
		return EngineInfo{}, fmt.Errorf("querying engine %d (client %d) on gpu %d: %w",
			key.EngineID, key.Client, key.Subdevice, err)
	}
	c.cache[key] = info
	return info, nil
}

// Classify resolves an entry read from a buffer on subdevice.
//
// An entry whose address does not resolve to any registered range
// returns an error wrapping ErrNoMatchingRange. A recoverable fault
// without a channel returns an error wrapping ErrNoMatchingChannel.
func (c *Classifier) Classify(subdevice uint32, e gild.Entry) (gild.Event, error) {
	ev := gild.Event{
		Subdevice: subdevice,
		Channel:   gild.NoChannel,
	}
	inst, err := e.InstanceBlock()
	if err != nil {
		return ev, err
	}
	ch, hasChannel := c.reg.FindChannel(subdevice, inst)
	if hasChannel {
		ev.Channel = ch.Handle
	}
	if ts, err := e.Timestamp(); err == nil {
		ev.Timestamp = ts
	}

	switch e.Class() {
	case gild.ClassFault:
		if err := c.fault(&ev, e, hasChannel); err != nil {
			return ev, err
		}
	case gild.ClassAccessCounter:
		ev.Kind = gild.EventAccessCounter
		if ev.Counter, err = e.Counter(); err != nil {
			return ev, err
		}
	default:
		return ev, fmt.Errorf("%w: %s entry has unknown class %d", gild.ErrDecode, e.Variant(), e.Class())
	}

	space := registry.BarSpace
	if hasChannel {
		space = ch.Space
	}
	if err := c.resolve(&ev, e, space); err != nil {
		return ev, err
	}
	return ev, nil
}

func (c *Classifier) fault(ev *gild.Event, e gild.Entry, hasChannel bool) error {
	var err error
	if ev.FaultType, err = e.FaultType(); err != nil {
		return err
	}
	if ev.AccessType, err = e.AccessType(); err != nil {
		return err
	}
	if ev.Client, err = e.ClientID(); err != nil {
		return err
	}
	if ev.GPC, err = e.GPCID(); err != nil {
		return err
	}
	if ev.VEID, err = c.veid(ev.Subdevice, ev.Client, e); err != nil {
		return err
	}

	replayable := true
	if e.Variant() != gild.VariantLegacyFault {
		if replayable, err = e.Replayable(); err != nil {
			return err
		}
	}
	switch {
	case replayable:
		ev.Kind = gild.EventPageFault
	case Recoverable(ev.FaultType):
		if !hasChannel {
			return fmt.Errorf("recoverable %s fault on gpu %d: %w", ev.FaultType, ev.Subdevice, ErrNoMatchingChannel)
		}
		ev.Kind = gild.EventRecoverableFault
	default:
		ev.Kind = gild.EventNonReplayableFault
	}
	return nil
}

func (c *Classifier) veid(subdevice, client uint32, e gild.Entry) (uint32, error) {
	engineID, err := e.EngineID()
	if errors.Is(err, gild.ErrUnsupported) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	info, err := c.engine(EngineKey{Subdevice: subdevice, Client: client, EngineID: engineID})
	if err != nil {
		return 0, err
	}
	if !info.SubctxAware {
		return 0, nil
	}
	if engineID < info.StartMmuEngineID || engineID-info.StartMmuEngineID >= info.MaxSubctx {
		c.log.Warn("engine id outside sub-context range",
			"gpu", subdevice,
			"engine", engineID,
			"start", info.StartMmuEngineID,
			"max", info.MaxSubctx)
		return gild.BadVEID, nil
	}
	return engineID - info.StartMmuEngineID, nil
}

func (c *Classifier) resolve(ev *gild.Event, e gild.Entry, space registry.SpaceID) error {
	addr, err := e.Address()
	if err != nil {
		return err
	}
	at, err := e.AddressType()
	if err != nil {
		return err
	}
	ev.Address = addr
	if aper, err := e.Aperture(); err == nil {
		ev.Aperture = aper
	}

	var (
		m  registry.Match
		ok bool
	)
	if at == gild.AddressPhysical {
		ev.Physical = true
		m, ok = c.reg.FindPhysical(ev.Subdevice, ev.Aperture, registry.Address(addr))
	} else {
		m, ok = c.reg.FindVirtual(ev.Subdevice, space, registry.Address(addr))
	}
	if !ok {
		return fmt.Errorf("%s %s 0x%x on gpu %d: %w", ev.Kind, at, addr, ev.Subdevice, ErrNoMatchingRange)
	}
	ev.Range = m.Range
	ev.Offset = uint64(m.Offset)
	return nil
}
