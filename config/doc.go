// Package config provides configuration loading and validation for duplexbus
// servers.
//
// Configuration is read from JSON or YAML files (selected by extension), layered
// in order, and then overlaid with environment variables. Every field can be set
// from the environment using the DUPLEXBUS_ prefix and the section names, for
// example DUPLEXBUS_LOG_LEVEL, DUPLEXBUS_MESSAGE_BUS_SERVICE_ADDRESS or
// DUPLEXBUS_NATS_URLS (comma separated). An optional .env file is read before
// the overlay; variables already present in the process environment win.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json") // Overrides base
//	loader.SetEnvFile(".env")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//	    return err
//	}
//
// # Validation
//
// Validate reports every problem at once, joined into a single error that
// matches errors.ErrInvalidConfig. It rejects unknown transports, formatters and
// dispatch modes, empty or clashing addresses, byte orders other than little or
// big, negative sizes and timeouts, and transports whose framing requirements
// the selected formatter cannot meet.
package config
