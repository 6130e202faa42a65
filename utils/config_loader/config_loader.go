package config_loader

// ConfigProvider knows how to turn raw config file content into a validated
// config object for one consumer.
type ConfigProvider interface {
	// The default configuration when the config file is absent. Must be
	// non-nil and pass Validate.
	Default() interface{}

	// Given a config file content, return the parsed config object (or
	// error). The parsed config object must be non-nil.
	Parse(content []byte) (cfg interface{}, err error)

	// Validate ensures the config is semantically correct. Invalid configs
	// are ignored by the loader.
	Validate(cfg interface{}) error

	// Updates are sent only when the content has actually changed.
	Equals(cfg1 interface{}, cfg2 interface{}) bool
}

// Basic interface for config loader.
type ConfigLoader interface {
	// Config updates channel.
	Updates() <-chan interface{}
	// Stopping config loader and closing its update channel.
	Stop()
}
