package main

import (
	"context"
	"net"
	"time"

	"godropbox/errors"

	"routeagent/dlog"
	"routeagent/nl"
	"routeagent/platform"
	"routeagent/utils/config_loader"
)

type ServiceModules struct {
	Socket       nl.NetlinkSocket
	Handler      *platform.Handler
	AddressTable platform.AddressTableModule
	ConfigLoader config_loader.ConfigLoader
}

// Service wires the netlink engine to the configured address state: it
// applies the config once at startup and then keeps draining kernel
// notifications so asynchronous changes are at least observable in logs.
type Service struct {
	modules ServiceModules
}

func NewService(
	ctx context.Context,
	configPath string,
	resyncInterval time.Duration) (*Service, error) {

	return newService(ctx, ServiceModules{}, configPath, resyncInterval)
}

// using in tests to inject fake modules.
func newService(
	ctx context.Context,
	modules ServiceModules,
	configPath string,
	resyncInterval time.Duration) (*Service, error) {

	s := &Service{modules: modules}
	if err := s.initModules(ctx, configPath, resyncInterval); err != nil {
		return nil, err
	}

	cfg, ok := <-s.modules.ConfigLoader.Updates()
	if !ok {
		return nil, errors.New("config loader closed without a config")
	}
	if err := s.applyConfig(cfg.(*AgentConfig)); err != nil {
		return nil, err
	}

	go s.notificationLoop(ctx)

	return s, nil
}

func (s *Service) initModules(
	ctx context.Context,
	configPath string,
	resyncInterval time.Duration) error {

	var err error

	if s.modules.Socket == nil {
		if s.modules.Socket, err = nl.NewSocket(nl.SocketParams{
			ResyncInterval: resyncInterval,
		}); err != nil {
			return err
		}
	}

	if s.modules.Handler, err = platform.NewHandler(platform.HandlerParams{
		Socket: s.modules.Socket,
	}); err != nil {
		return err
	}

	if s.modules.AddressTable == nil {
		if s.modules.AddressTable, err = platform.NewNetlinkAddressTable(); err != nil {
			return err
		}
	}

	if s.modules.ConfigLoader == nil {
		if s.modules.ConfigLoader, err = MakeConfigLoader(configPath); err != nil {
			return err
		}
	}

	return nil
}

// applyConfig syncs every managed interface to its desired address set and
// verifies the result through an independent read path.
func (s *Service) applyConfig(config *AgentConfig) error {
	for _, iface := range config.Interfaces {
		family, err := familyOf(iface.Family)
		if err != nil {
			return err
		}
		scope, err := scopeOf(iface.Scope)
		if err != nil {
			return err
		}
		prefixes, err := prefixesOf(iface.Prefixes)
		if err != nil {
			return err
		}

		if err := s.modules.Handler.SyncIfaceAddresses(
			iface.Iface, family, scope, prefixes); err != nil {
			return errors.Wrapf(err, "fails to sync %s: ", iface.Iface)
		}

		s.verifyIfaceAddresses(iface.Iface, prefixes)
	}
	return nil
}

func (s *Service) verifyIfaceAddresses(iface string, prefixes []*net.IPNet) {
	for _, prefix := range prefixes {
		exists, err := s.modules.AddressTable.IsExists(prefix, iface)
		if err != nil {
			dlog.Warningf(
				"verification of %s on %s unavailable: %v", prefix, iface, err)
			return
		}
		if !exists {
			dlog.Errorf("%s missing on %s after sync", prefix, iface)
		}
	}
}

func (s *Service) notificationLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			dlog.Info("Closing notificationLoop")
			return
		case n, ok := <-s.modules.Socket.Notifications():
			if !ok {
				return
			}
			s.logNotification(n)
		}
	}
}

func (s *Service) logNotification(n nl.Notification) {
	switch {
	case n.Link != nil:
		dlog.V(1).Infof("link change (type %d): %s", n.MsgType, n.Link)
	case n.IfAddress != nil:
		dlog.V(1).Infof("address change (type %d): %s", n.MsgType, n.IfAddress)
	case n.Route != nil:
		dlog.V(1).Infof("route change (type %d): %s", n.MsgType, n.Route)
	case n.Neighbor != nil:
		dlog.V(1).Infof("neighbor change (type %d): %s", n.MsgType, n.Neighbor)
	}
}
