package main

import (
	"encoding/json"
	"net"
	"reflect"
	"syscall"

	"godropbox/errors"

	"routeagent/utils/config_loader"
)

// IfaceConfig is the desired address set of one managed interface within a
// single family/scope tier.
type IfaceConfig struct {
	Iface    string   `json:"iface"`
	Family   string   `json:"family"` // "v4" or "v6"
	Scope    string   `json:"scope"`  // "universe", "link" or "host"
	Prefixes []string `json:"prefixes"`
}

type AgentConfig struct {
	Interfaces []IfaceConfig `json:"interfaces"`
}

type ConfigProvider struct{}

func (c *ConfigProvider) Default() interface{} {
	return &AgentConfig{}
}

func (c *ConfigProvider) Parse(content []byte) (interface{}, error) {
	newConfig := &AgentConfig{}
	if err := json.Unmarshal(content, newConfig); err != nil {
		return nil, errors.Wrap(err, "fails to parse agent config: ")
	}
	return newConfig, nil
}

func (c *ConfigProvider) Validate(cfg interface{}) error {
	config := cfg.(*AgentConfig)
	for _, iface := range config.Interfaces {
		if iface.Iface == "" {
			return errors.New("interface entry without a name")
		}
		if _, err := familyOf(iface.Family); err != nil {
			return err
		}
		if _, err := scopeOf(iface.Scope); err != nil {
			return err
		}
		if _, err := prefixesOf(iface.Prefixes); err != nil {
			return err
		}
	}
	return nil
}

func (c *ConfigProvider) Equals(cfg1 interface{}, cfg2 interface{}) bool {
	return reflect.DeepEqual(cfg1.(*AgentConfig), cfg2.(*AgentConfig))
}

func MakeConfigLoader(configPath string) (config_loader.ConfigLoader, error) {
	return config_loader.NewOneTimeFileLoader(&ConfigProvider{}, configPath)
}

func familyOf(family string) (uint8, error) {
	switch family {
	case "v4":
		return syscall.AF_INET, nil
	case "v6":
		return syscall.AF_INET6, nil
	}
	return 0, errors.Newf("unknown address family: %q", family)
}

func scopeOf(scope string) (uint8, error) {
	switch scope {
	case "universe":
		return syscall.RT_SCOPE_UNIVERSE, nil
	case "link":
		return syscall.RT_SCOPE_LINK, nil
	case "host":
		return syscall.RT_SCOPE_HOST, nil
	}
	return 0, errors.Newf("unknown address scope: %q", scope)
}

// prefixesOf keeps the host part of each prefix: "10.0.0.1/24" is the
// address 10.0.0.1 within 10.0.0.0/24, not the bare network.
func prefixesOf(strs []string) ([]*net.IPNet, error) {
	var prefixes []*net.IPNet
	for _, s := range strs {
		ip, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, errors.Wrapf(err, "fails to parse prefix %q: ", s)
		}
		prefixes = append(prefixes, &net.IPNet{IP: ip, Mask: ipNet.Mask})
	}
	return prefixes, nil
}
